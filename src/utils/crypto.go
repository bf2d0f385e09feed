package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/tidwall/gjson"
)

func EncryptMessage(key []byte, message string) (string, error) {
	plaintext := []byte(message)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	cipherText := gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(cipherText), nil
}

func DecryptMessage(key []byte, message string) (*string, error) {
	cipherText, err := hex.DecodeString(message)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(cipherText) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	decryptedData, err := gcm.Open(nil, cipherText[:gcm.NonceSize()], cipherText[gcm.NonceSize():], nil)
	if err != nil {
		return nil, err
	}
	decodedString := string(decryptedData)

	return &decodedString, nil
}

// QRKey reads the hex encoded AES key printed into pass codes.
func QRKey() ([]byte, error) {
	key, err := hex.DecodeString(os.Getenv("API_QRC_SECRET"))
	if err != nil {
		return nil, err
	}
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, errors.New("API_QRC_SECRET must be a 16, 24 or 32 byte hex key")
	}
	return key, nil
}

// EncodePassCode seals a credential token into the text printed on a pass.
func EncodePassCode(key []byte, token string) (string, error) {
	raw, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return "", err
	}
	return EncryptMessage(key, string(raw))
}

// DecodePassCode recovers the token from a scanned pass code.
func DecodePassCode(key []byte, code string) (string, error) {
	plain, err := DecryptMessage(key, code)
	if err != nil {
		return "", err
	}
	token := gjson.Get(*plain, "token").String()
	if token == "" {
		return "", errors.New("pass code carries no token")
	}
	return token, nil
}

// ScannedToken turns what a door read into a credential token. Printed pass
// codes are decrypted with the QR key; anything else, including codes that
// fail to decrypt, is taken as the token itself.
func ScannedToken(text string) string {
	key, err := QRKey()
	if err != nil {
		return text
	}
	if token, err := DecodePassCode(key, text); err == nil {
		return token
	}
	return text
}
