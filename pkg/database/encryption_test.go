package database

import (
	"testing"

	"acs/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "1234567890123456789012345678901212345678901234567890123456789012"

func TestEncryptDecryptDevice(t *testing.T) {
	dev := models.Device{OrgID: "org", DeviceKey: "org-00D09E-SN1", ConnReqUsername: "cpe", ConnReqPassword: "s3cret"}

	enc, err := EncryptStruct(dev, testKey)
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", enc.ConnReqPassword)
	assert.Equal(t, "cpe", enc.ConnReqUsername, "untagged fields stay in clear text")

	dec := DecryptDevice(&enc, testKey)
	assert.Equal(t, "s3cret", dec.ConnReqPassword)
	assert.NotEqual(t, dec.ConnReqPassword, enc.ConnReqPassword, "the input is not modified")
}

func TestDecryptDevicePlainText(t *testing.T) {
	tests := []struct {
		name string
		dev  *models.Device
		want string
	}{
		{name: "nil device", dev: nil},
		{name: "empty password", dev: &models.Device{}, want: ""},
		{name: "legacy clear text", dev: &models.Device{ConnReqPassword: "plain"}, want: "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecryptDevice(tt.dev, testKey)
			if tt.dev == nil {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, tt.want, got.ConnReqPassword)
		})
	}
}

func TestEncryptStructBadKey(t *testing.T) {
	_, err := EncryptStruct(models.Device{ConnReqPassword: "x"}, "not-hex")
	assert.Error(t, err)
}
