package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	assert.NoError(t, ValidateFilePath("/var/lib/chatpipe/data.db"))
	assert.NoError(t, ValidateFilePath("data.db"))

	assert.Error(t, ValidateFilePath(""))
	assert.Error(t, ValidateFilePath("../../../etc/passwd"))
	assert.Error(t, ValidateFilePath("dir/../../escape.db"))
	assert.Error(t, ValidateFilePath("data\x00.db"))
}
