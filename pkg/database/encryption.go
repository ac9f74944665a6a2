package database

import (
	"acs/pkg/models"

	"github.com/firdasafridi/gocrypt"
)

func newCrypter(secretKey string) (*gocrypt.Option, error) {
	aesOpt, err := gocrypt.NewAESOpt(secretKey)
	if err != nil {
		return nil, err
	}
	return &gocrypt.Option{AESOpt: aesOpt}, nil
}

// EncryptStruct encrypts the fields tagged with gocrypt using the provided secret key.
func EncryptStruct[T any](entity T, secretKey string) (T, error) {
	opt, err := newCrypter(secretKey)
	if err != nil {
		return entity, err
	}
	if err := gocrypt.New(opt).Encrypt(&entity); err != nil {
		return entity, err
	}
	return entity, nil
}

// DecryptStruct decrypts the fields tagged with gocrypt using the provided secret key.
func DecryptStruct[T any](entity T, secretKey string) (T, error) {
	opt, err := newCrypter(secretKey)
	if err != nil {
		return entity, err
	}
	if err := gocrypt.New(opt).Decrypt(&entity); err != nil {
		return entity, err
	}
	return entity, nil
}

// DecryptDevice returns a copy of the device with its connection-request password in clear text.
// Rows written before encryption was enabled keep their stored value.
func DecryptDevice(dev *models.Device, secretKey string) *models.Device {
	if dev == nil {
		return nil
	}
	out := *dev
	if dev.ConnReqPassword == "" {
		return &out
	}
	decrypted, err := DecryptStruct(*dev, secretKey)
	if err != nil {
		return &out
	}
	out.ConnReqPassword = decrypted.ConnReqPassword
	return &out
}
