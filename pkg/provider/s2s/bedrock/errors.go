package bedrock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aws/smithy-go"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// apiError builds the SDK's generic API error. Event-stream exception types
// arrive in lowerCamel ("throttlingException"); codes are normalised to the
// service's error shape names.
func apiError(code, message string) error {
	if r, n := utf8.DecodeRuneInString(code); n > 0 {
		code = string(unicode.ToUpper(r)) + code[n:]
	}
	fault := smithy.FaultServer
	if code == "ValidationException" || code == "AccessDeniedException" {
		fault = smithy.FaultClient
	}
	return &smithy.GenericAPIError{Code: code, Message: message, Fault: fault}
}

// exceptionError decodes an exception message's {"message": ...} payload.
func exceptionError(code string, payload []byte) error {
	var body struct {
		Message  string `json:"message"`
		MessageU string `json:"Message"`
	}
	_ = json.Unmarshal(payload, &body)
	msg := body.Message
	if msg == "" {
		msg = body.MessageU
	}
	return apiError(code, msg)
}

// responseError turns a non-200 response into an API error. The code comes
// from X-Amzn-Errortype ("Code:namespace") or, failing that, the status.
func responseError(resp *http.Response) error {
	code, _, _ := strings.Cut(resp.Header.Get("X-Amzn-Errortype"), ":")
	if code == "" {
		switch resp.StatusCode {
		case http.StatusForbidden:
			code = "AccessDeniedException"
		case http.StatusTooManyRequests:
			code = "ThrottlingException"
		case http.StatusServiceUnavailable:
			code = "ServiceUnavailableException"
		default:
			code = fmt.Sprintf("HTTP%d", resp.StatusCode)
		}
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("status %d: %w", resp.StatusCode, exceptionError(code, b))
}

// classify wraps Bedrock API errors with the matching s2s sentinel.
func classify(err error) error {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return err
	}
	switch ae.ErrorCode() {
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException",
		"InvalidSignatureException", "IncompleteSignatureException":
		return fmt.Errorf("%w: %w", s2s.ErrAccessDenied, err)
	case "ThrottlingException", "ServiceQuotaExceededException", "TooManyRequestsException":
		return fmt.Errorf("%w: %w", s2s.ErrThrottled, err)
	case "ModelTimeoutException":
		return fmt.Errorf("%w: %w", s2s.ErrTimeout, err)
	case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException",
		"ModelStreamErrorException":
		return fmt.Errorf("%w: %w", s2s.ErrUnavailable, err)
	default:
		return err
	}
}
