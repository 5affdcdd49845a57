package schemas_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// TestStructJSONTags pins the wire names of the records written to the audit
// log and read from session descriptors.
func TestStructJSONTags(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name         string
		structRef    interface{}
		expectedTags map[string]string
	}{
		{
			name:      "RunResult",
			structRef: schemas.RunResult{},
			expectedTags: map[string]string{
				"RunID":        "run_id",
				"Success":      "success",
				"ArtifactPath": "artifact_path,omitempty",
				"SizeBytes":    "size_bytes",
				"Error":        "error,omitempty",
				"ErrorKind":    "error_kind,omitempty",
				"FailedState":  "failed_state,omitempty",
				"Timestamp":    "timestamp",
				"ElapsedMs":    "elapsed_ms",
				"Params":       "params",
				"Steps":        "steps,omitempty",
				"Trace":        "trace,omitempty",
				"Screenshots":  "screenshots,omitempty",
			},
		},
		{
			name:      "Cookie",
			structRef: schemas.Cookie{},
			expectedTags: map[string]string{
				"Name":     "name",
				"Value":    "value",
				"Domain":   "domain",
				"Path":     "path",
				"Expiry":   "expires,omitempty",
				"Secure":   "secure",
				"HTTPOnly": "httpOnly",
				"SameSite": "sameSite,omitempty",
			},
		},
		{
			name:      "Session",
			structRef: schemas.Session{},
			expectedTags: map[string]string{
				"Cookies":      "cookies",
				"LocalStorage": "localStorage,omitempty",
				"UserAgent":    "userAgent,omitempty",
				"Origin":       "origin,omitempty",
				"SourcePath":   "-",
			},
		},
		{
			name:      "DownloadArtifact",
			structRef: schemas.DownloadArtifact{},
			expectedTags: map[string]string{
				"SuggestedName": "suggested_name",
				"SavedPath":     "saved_path",
				"SizeBytes":     "size_bytes",
				"HeaderBytes":   "header_bytes",
				"Format":        "format",
			},
		},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			structType := reflect.TypeOf(tt.structRef)
			actualTags := make(map[string]string)

			for i := 0; i < structType.NumField(); i++ {
				field := structType.Field(i)
				if jsonTag := field.Tag.Get("json"); jsonTag != "" {
					actualTags[field.Name] = jsonTag
				}
			}

			assert.Equal(t, tt.expectedTags, actualTags, "JSON tags for struct %s do not match expectations", tt.name)
		})
	}
}
