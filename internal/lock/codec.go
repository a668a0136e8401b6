package lock

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/n3tuk/action-branch-deploy-lock/internal/model"
)

// Encode serialises a lock record into the base64 blob committed as the
// lock file.
func Encode(r *model.LockRecord) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode lock record: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a lock file blob. Any failure is a *DecodeError.
func Decode(blob string) (*model.LockRecord, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, &DecodeError{Reason: "is empty"}
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, &DecodeError{Reason: "is not valid base64", Err: err}
	}

	var r model.LockRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &DecodeError{Reason: "is not valid JSON", Err: err}
	}

	if r.CreatedBy == "" {
		return nil, &DecodeError{Reason: "has no creator"}
	}
	if r.Global != (r.Environment == nil) {
		return nil, &DecodeError{Reason: "has inconsistent global and environment fields"}
	}

	return &r, nil
}
