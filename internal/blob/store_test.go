package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "invoice-march.pdf", SanitizeFilename("invoice-march.pdf"))
	assert.Equal(t, "..._.._etc_passwd", SanitizeFilename(".../../etc/passwd"))
	assert.Equal(t, "re_u_de_jan.pdf", SanitizeFilename("reçu de jan.pdf"))
	assert.Equal(t, "a_b_c", SanitizeFilename("a b\tc"))
}

func TestReceiptPath(t *testing.T) {
	now := time.UnixMilli(1750000000000)
	path := ReceiptPath("acme", "march invoice.pdf", now)
	assert.Equal(t, "tenants/acme/receipts/1750000000000-march_invoice.pdf", path)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewLocalStore(root)

	ref, err := store.Put(context.Background(),
		"tenants/acme/receipts/1-x.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Contains(t, ref, "file://")

	data, err := os.ReadFile(filepath.Join(root, "tenants", "acme", "receipts", "1-x.pdf"))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)
}
