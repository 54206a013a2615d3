package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomRef(t *testing.T) {
	tests := []struct {
		name    string
		room    string
		wantErr bool
	}{
		{"plain", "chat42", false},
		{"with separators", "team.eng:general-1", false},
		{"empty", "", true},
		{"space", "my room", true},
		{"slash", "a/b", true},
		{"too long", strings.Repeat("r", 129), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomRef(tt.room)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID("gc_chat42"))
	assert.NoError(t, ValidateSessionID("gc_chat42~1717000000000"))
	assert.NoError(t, ValidateSessionID("gc_chat42_1717000000000"))
	assert.Error(t, ValidateSessionID("gc_chat42~"))
	assert.Error(t, ValidateSessionID("gc_chat42~17x"))
	assert.Error(t, ValidateRoomRef("chat42~1717000000000"))
	assert.Error(t, ValidateSessionID(""))
	assert.Error(t, ValidateSessionID("chat42"))
	assert.Error(t, ValidateSessionID("gc_bad id"))
}

func TestValidateICEURL(t *testing.T) {
	assert.NoError(t, ValidateICEURL("stun:stun.l.google.com:19302"))
	assert.NoError(t, ValidateICEURL("turns:turn.example.com:5349"))
	assert.Error(t, ValidateICEURL("http://example.com"))
	assert.Error(t, ValidateICEURL("stun:"))
	assert.Error(t, ValidateICEURL("nonsense"))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://directory.internal/api"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("ftp://example.com"))
	assert.Error(t, ValidateURL("https://"))
}
