package azure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bizflycloud/backupd/pkg/storage_vault"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     storage_vault.Config
		wantErr bool
	}{
		{"missing key", storage_vault.Config{Provider: storage_vault.TypeAzure, AccountName: "acc", Container: "c"}, true},
		{"key not base64", storage_vault.Config{Provider: storage_vault.TypeAzure, AccountName: "acc", Container: "c", AccountKey: "%%%"}, true},
		{"wrong provider", storage_vault.Config{Provider: storage_vault.TypeWebDAV}, true},
		{"valid", storage_vault.Config{Provider: storage_vault.TypeAzure, AccountName: "acc", Container: "c", AccountKey: "c2VjcmV0"}, false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, WithLogger(zap.NewNop()))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRefAndServiceURL(t *testing.T) {
	a, err := New(storage_vault.Config{
		Provider:    storage_vault.TypeAzure,
		AccountName: "piacc",
		Container:   "backups",
		AccountKey:  "c2VjcmV0",
	}, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	assert.Equal(t, "https://piacc.blob.core.windows.net/", a.ServiceURL())
	assert.Equal(t, "azure://piacc/backups/x.tar.gz", a.Ref("x.tar.gz"))
}
