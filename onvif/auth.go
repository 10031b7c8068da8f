package onvif

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
)

// authenticate checks the request credentials against the camera's ONVIF
// credentials. WS-UsernameToken (digest or plain text) takes precedence;
// HTTP Basic is accepted as a fallback for clients that don't speak
// WS-Security.
func (s *Server) authenticate(req *request, r *http.Request) bool {
	if req.Token != nil {
		return s.verifyToken(req.Token)
	}

	if username, password, ok := r.BasicAuth(); ok {
		return username == s.camera.ONVIFUsername && constantEqual(password, s.camera.ONVIFPassword)
	}

	return false
}

func (s *Server) verifyToken(token *usernameToken) bool {
	if token.Username != s.camera.ONVIFUsername {
		return false
	}

	if token.Type != "digest" {
		return constantEqual(token.Password, s.camera.ONVIFPassword)
	}

	nonce, err := base64.StdEncoding.DecodeString(token.Nonce)
	if err != nil {
		return false
	}

	// PasswordDigest = base64(sha1(nonce + created + password))
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(token.Created))
	h.Write([]byte(s.camera.ONVIFPassword))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return constantEqual(token.Password, digest)
}

func constantEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
