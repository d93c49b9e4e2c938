package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"valid", "room-42", false},
		{"with colon", "contest:7", false},
		{"empty", "", true},
		{"spaces", "room 42", true},
		{"too long", strings.Repeat("a", 101), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ValidateUserID("user_1"))
	assert.Error(t, ValidateUserID(""))
	assert.Error(t, ValidateUserID("a/b"))
}

func TestValidateProblemID(t *testing.T) {
	assert.NoError(t, ValidateProblemID(""))
	assert.NoError(t, ValidateProblemID("two-sum"))
	assert.Error(t, ValidateProblemID("two sum"))
}

func TestValidateEventName(t *testing.T) {
	assert.NoError(t, ValidateEventName("viewer-offer"))
	assert.NoError(t, ValidateEventName("viewer-count-updated"))
	assert.Error(t, ValidateEventName(""))
	assert.Error(t, ValidateEventName("Viewer_Offer"))
	assert.Error(t, ValidateEventName(strings.Repeat("a", 65)))
}

func TestValidateDisplayName(t *testing.T) {
	assert.NoError(t, ValidateDisplayName("Ada Lovelace"))
	assert.Error(t, ValidateDisplayName("   "))
	assert.Error(t, ValidateDisplayName(strings.Repeat("é", 101)))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("ws://localhost:8081/ws"))
	assert.NoError(t, ValidateURL("https://registry.example.com"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("ftp://host"))
	assert.Error(t, ValidateURL("http://"))
}
