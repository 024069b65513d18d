package delivery

import (
	"archive/zip"
	"fmt"
	"io"
)

// Archive streams a batch of bundles into a zip: one private key file and
// one usage README per account. Every key goes through the one-time release
// path, so writing the archive consumes the keys; a bundle that was already
// delivered fails the whole archive before any further key is released.
func Archive(w io.Writer, bundles []*Bundle, snowflakeAccount string) error {
	zw := zip.NewWriter(w)

	for _, b := range bundles {
		key, err := b.ReleaseKey()
		if err != nil {
			return fmt.Errorf("archive aborted at %s: %w", b.AccountID, err)
		}

		entry, err := zw.Create(b.PrivateKeyFilename())
		if err != nil {
			wipe(key)
			return err
		}
		if _, err := entry.Write(key); err != nil {
			wipe(key)
			return err
		}
		wipe(key)

		readme, err := zw.Create(fmt.Sprintf("%s_README.txt", b.AccountID))
		if err != nil {
			return err
		}
		if _, err := readme.Write([]byte(b.ConnectionSnippet(snowflakeAccount))); err != nil {
			return err
		}
	}

	return zw.Close()
}

// wipe zeroes the plaintext copy once it has been written out.
func wipe(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
