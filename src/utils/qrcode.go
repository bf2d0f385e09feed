package utils

import (
	"os"
	"path/filepath"

	"github.com/yeqown/go-qrcode"
)

// TempDir is where generated pass images are written before upload.
func TempDir() string {
	dir := os.Getenv("TEMP_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return dir
}

// SaveQRCode renders text as a QR image at dir/name.jpeg and returns the
// path.
func SaveQRCode(dir, name, text string) (string, error) {
	qrc, err := qrcode.New(text)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+".jpeg")
	if err := qrc.Save(path); err != nil {
		return "", err
	}
	return path, nil
}
