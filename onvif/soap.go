// Package onvif implements the per-camera SOAP endpoint that advertises the
// republished streams as an ONVIF Profile S device. One Server runs per
// running camera; it only describes stream URLs and never carries media.
package onvif

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// The namespaces the endpoint speaks.
const (
	nsEnvelope = "http://www.w3.org/2003/05/soap-envelope"
	nsDevice   = "http://www.onvif.org/ver10/device/wsdl"
	nsMedia    = "http://www.onvif.org/ver10/media/wsdl"
	nsMedia2   = "http://www.onvif.org/ver20/media/wsdl"
	nsSchema   = "http://www.onvif.org/ver10/schema"
	nsError    = "http://www.onvif.org/ver10/error"
)

// request is a parsed SOAP request.
type request struct {
	// Action is the local name of the first element in the body, e.g.
	// "GetDeviceInformation".
	Action string

	// Namespace of the action element; distinguishes Media from Media2.
	Namespace string

	// ProfileToken is the token referenced by the request, if any.
	ProfileToken string

	// Token is the WS-UsernameToken of the request, if one was sent.
	Token *usernameToken
}

type usernameToken struct {
	Username string
	Password string
	Type     string // "digest" or "text"
	Nonce    string
	Created  string
}

// parseRequest extracts the action and credentials from a SOAP envelope.
func parseRequest(body []byte) (*request, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("malformed SOAP envelope: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty SOAP envelope")
	}

	req := &request{}

	for _, el := range root.ChildElements() {
		switch el.Tag {
		case "Body":
			if action := firstChildElement(el); action != nil {
				req.Action = action.Tag
				req.Namespace = resolveNamespace(action)
				req.ProfileToken = findText(action, "ProfileToken")
			}
		case "Header":
			req.Token = parseUsernameToken(el)
		}
	}

	return req, nil
}

func firstChildElement(el *etree.Element) *etree.Element {
	children := el.ChildElements()
	if len(children) == 0 {
		return nil
	}

	return children[0]
}

// resolveNamespace resolves the namespace prefix of the element against its
// xmlns declarations.
func resolveNamespace(el *etree.Element) string {
	return el.NamespaceURI()
}

// findText returns the text of the first descendant with the given local
// name.
func findText(el *etree.Element, tag string) string {
	if el.Tag == tag {
		return strings.TrimSpace(el.Text())
	}

	for _, child := range el.ChildElements() {
		if text := findText(child, tag); len(text) != 0 {
			return text
		}
	}

	return ""
}

func parseUsernameToken(header *etree.Element) *usernameToken {
	var el *etree.Element

	for _, security := range header.ChildElements() {
		if security.Tag != "Security" {
			continue
		}

		for _, child := range security.ChildElements() {
			if child.Tag == "UsernameToken" {
				el = child
				break
			}
		}
	}

	if el == nil {
		return nil
	}

	token := &usernameToken{
		Type: "text",
	}

	for _, child := range el.ChildElements() {
		switch child.Tag {
		case "Username":
			token.Username = strings.TrimSpace(child.Text())
		case "Password":
			token.Password = strings.TrimSpace(child.Text())
			if strings.HasSuffix(child.SelectAttrValue("Type", ""), "#PasswordDigest") {
				token.Type = "digest"
			}
		case "Nonce":
			token.Nonce = strings.TrimSpace(child.Text())
		case "Created":
			token.Created = strings.TrimSpace(child.Text())
		}
	}

	return token
}

// envelope wraps a response body into a SOAP envelope.
func envelope(body string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="%s"
            xmlns:tds="%s"
            xmlns:trt="%s"
            xmlns:tr2="%s"
            xmlns:tt="%s"
            xmlns:ter="%s">
	<s:Body>%s</s:Body>
</s:Envelope>`, nsEnvelope, nsDevice, nsMedia, nsMedia2, nsSchema, nsError, body)
}

// fault builds a SOAP fault with the given subcode and reason.
func fault(subcode, reason string) string {
	return envelope(fmt.Sprintf(`
		<s:Fault>
			<s:Code>
				<s:Value>s:Sender</s:Value>
				<s:Subcode>
					<s:Value>%s</s:Value>
				</s:Subcode>
			</s:Code>
			<s:Reason>
				<s:Text xml:lang="en">%s</s:Text>
			</s:Reason>
		</s:Fault>`, subcode, reason))
}
