package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
)

const (
	ValidationErrorType     = "validation_failed"
	DecodingErrorType       = "decoding_failed"
	DuplicateEmailType      = "duplicate_email"
	InvalidCredentialsType  = "invalid_credentials"
	UnauthenticatedType     = "unauthenticated"
	InvalidTokenType        = "invalid_token"
	TokenNotRecognizedType  = "token_not_recognized"
	UserNotFoundType        = "user_not_found"
	RateLimitedType         = "rate_limited"
	ServerErrorType         = "server_error"
	serverErrorMessage      = "Server error."
	validationFailedMessage = "Request validation failed"
)

var validate = newValidator()

type Struct any

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	Status(w, data, http.StatusOK)
}

// Render error of the kind with client facing message
func Error(w http.ResponseWriter, kind string, message string, code int) {
	Status(w, ErrorResponse{Error: kind, Message: message}, code)
}

// Render known application error
// Returns false for unexpected errors: generic 500 is written and the caller should log the cause
func AppError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrDuplicateEmail):
		Error(w, DuplicateEmailType, "Email already registered.", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		Error(w, InvalidCredentialsType, "Invalid credentials.", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrUnauthenticated):
		Error(w, UnauthenticatedType, "Not authenticated", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrInvalidToken):
		Error(w, InvalidTokenType, "Token invalid or expired", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrTokenNotRecognized):
		Error(w, TokenNotRecognizedType, "Refresh token not recognized", http.StatusUnauthorized)
	case errors.Is(err, apperrors.ErrUserNotFound):
		Error(w, UserNotFoundType, "User not found", http.StatusUnauthorized)
	default:
		Error(w, ServerErrorType, serverErrorMessage, http.StatusInternalServerError)
		return false
	}
	return true
}

// Render json DecodeError
func DecodeError(w http.ResponseWriter, err error) {
	response := ErrorResponse{
		Error:   DecodingErrorType,
		Message: "",
	}

	// Try to provide more specific error message based on error type
	switch err := err.(type) {
	case *json.UnmarshalTypeError:
		response.Message = fmt.Sprintf("Invalid data type for field '%s'", err.Field)
	default:
		response.Message = fmt.Sprintf("Failed to parse JSON: %s", err.Error())
	}

	Status(w, response, http.StatusBadRequest)
}

// Render ValidationErrors
func ValidationErrors(w http.ResponseWriter, errs validator.ValidationErrors) {
	validationErrors(w, errs, nil)
}

func validationErrors(w http.ResponseWriter, errs validator.ValidationErrors, typ reflect.Type) {
	response := ErrorResponse{
		Error:   ValidationErrorType,
		Message: validationFailedMessage,
		Fields:  make(map[string]string, len(errs)),
	}

	// Create user-friendly error messages based on validation tag
	for _, fieldError := range errs {
		if _, seen := response.Fields[fieldError.Field()]; seen {
			continue
		}
		response.Fields[fieldError.Field()] = fieldMessage(typ, fieldError)
	}

	Status(w, response, http.StatusBadRequest)
}

func fieldMessage(typ reflect.Type, fieldError validator.FieldError) string {
	if msg := messageTag(typ, fieldError.StructField()); msg != "" {
		return msg
	}

	switch fieldError.Tag() {
	case "required", "notblank":
		return "This field is required"
	case "email":
		return "Valid email required"
	case "min":
		return fmt.Sprintf("Value is too short (minimum %s)", fieldError.Param())
	default:
		return "Invalid value"
	}
}

// BindAndValidate decodes JSON request body into type T and validates it using struct tags.
// Returns the decoded value and writes appropriate error responses for decoding or validation failures.
// Field `msg` tag overrides validation message for the field.
func BindAndValidate[T Struct](w http.ResponseWriter, r *http.Request) (T, error) {
	var value T

	err := json.NewDecoder(r.Body).Decode(&value)
	if err != nil {
		DecodeError(w, err)
		return value, err
	}

	err = validate.Struct(value)
	if err != nil {
		var errs validator.ValidationErrors
		if !errors.As(err, &errs) {
			Error(w, ServerErrorType, serverErrorMessage, http.StatusInternalServerError)
			return value, err
		}
		validationErrors(w, errs, reflect.TypeOf(value))
		return value, err
	}

	return value, nil
}

// Status sends data as json and enforces status code
func Status(w http.ResponseWriter, data any, code int) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)

	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}
