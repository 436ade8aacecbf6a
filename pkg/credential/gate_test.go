package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGateStoreAndUse(t *testing.T) {
	g, err := New(WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.False(t, g.HasCredential())

	err = g.Use(func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrRequired)

	secret := []byte("s3cret")
	require.NoError(t, g.Store(context.Background(), secret))
	assert.True(t, g.HasCredential())
	assert.Equal(t, make([]byte, len(secret)), secret, "caller slice must be wiped")

	var got string
	require.NoError(t, g.Use(func(s []byte) error {
		got = string(s)
		return nil
	}))
	assert.Equal(t, "s3cret", got)

	g.Clear()
	assert.False(t, g.HasCredential())
}

func TestGateStoreRejects(t *testing.T) {
	errWrong := errors.New("sudo: incorrect password")
	tests := []struct {
		name    string
		secret  []byte
		wantErr error
	}{
		{"empty", nil, ErrEmpty},
		{"validator failure", []byte("wrong"), errWrong},
		{"validator failure is rejected", []byte("wrong"), ErrRejected},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			g, err := New(
				WithLogger(zap.NewNop()),
				WithValidator(func(_ context.Context, s []byte) error {
					if string(s) == "wrong" {
						return errWrong
					}
					return nil
				}),
			)
			require.NoError(t, err)
			assert.ErrorIs(t, g.Store(context.Background(), tc.secret), tc.wantErr)
			assert.False(t, g.HasCredential())
		})
	}
}
