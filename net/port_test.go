package net

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortrangeInvalid(t *testing.T) {
	_, err := NewPortrange(8100, 8001, nil)
	require.Error(t, err)
}

func TestPortrangeLowestFree(t *testing.T) {
	r, err := NewPortrange(8001, 8100, nil)
	require.NoError(t, err)

	port, err := r.Get()
	require.NoError(t, err)
	require.Equal(t, 8001, port)

	port, err = r.Get()
	require.NoError(t, err)
	require.Equal(t, 8002, port)

	r.Put(8001)

	port, err = r.Get()
	require.NoError(t, err)
	require.Equal(t, 8001, port)
}

func TestPortrangeInjective(t *testing.T) {
	r, err := NewPortrange(8001, 8100, []int{8554, 8888, 9997})
	require.NoError(t, err)

	seen := map[int]bool{}

	for i := 0; i < 100; i++ {
		port, err := r.Get()
		require.NoError(t, err)
		require.False(t, seen[port], "port %d handed out twice", port)
		require.NotContains(t, []int{8554, 8888, 9997}, port)
		seen[port] = true
	}
}

func TestPortrangeReserved(t *testing.T) {
	r, err := NewPortrange(8001, 8005, []int{8002})
	require.NoError(t, err)

	ports := []int{}
	for {
		port, err := r.Get()
		if err != nil {
			break
		}
		ports = append(ports, port)
	}

	require.Equal(t, []int{8001, 8003, 8004, 8005}, ports)
}

func TestPortrangeExhausted(t *testing.T) {
	r, err := NewPortrange(8001, 8100, nil)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := r.Get()
		require.NoError(t, err)
	}

	// the 101st camera doesn't get a port
	_, err = r.Get()
	require.ErrorIs(t, err, ErrPortExhausted)
}

func TestPortrangeClaim(t *testing.T) {
	r, err := NewPortrange(8001, 8100, []int{8050})
	require.NoError(t, err)

	require.NoError(t, r.Claim(8010))
	require.Error(t, r.Claim(8010))
	require.Error(t, r.Claim(8050))

	// out of range claims are ignored
	require.NoError(t, r.Claim(9000))

	port, err := r.Get()
	require.NoError(t, err)
	require.Equal(t, 8001, port)
}

func TestResolveBindIP(t *testing.T) {
	require.Equal(t, "203.0.113.7", ResolveBindIP("203.0.113.7"))
	require.NotEqual(t, "localhost", ResolveBindIP("localhost"))
	require.NotEmpty(t, ResolveBindIP(""))
}
