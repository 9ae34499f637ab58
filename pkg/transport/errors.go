package transport

import (
	"encoding/json"
	"fmt"
)

// IsSuccess reports whether status is 2xx.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// StatusClass returns "2xx", "4xx", ... for metric labels.
func StatusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return fmt.Sprintf("%dxx", status/100)
}

// errorBody is the homeserver's standard error object.
type errorBody struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// ExtractErrorCode returns the errcode and error message of a homeserver
// error body, or empty strings when the body is not one.
func ExtractErrorCode(body []byte) (code, message string) {
	if len(body) == 0 {
		return "", ""
	}
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	return e.ErrCode, e.Error
}
