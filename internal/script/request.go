package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"sturdy-parent/internal/models"
)

const (
	DefaultMaxMessageChars = 1600
	DefaultMaxBodyBytes    = 16 << 10

	DefaultStruggle = "Big Emotions"
	DefaultProfile  = "Neurotypical"
	DefaultTone     = "Balanced"
	DefaultChildAge = "School Age (5-10)"
)

var Struggles = []string{
	"Big Emotions",
	"Aggression",
	"Resistance/Defiance",
	"Siblings",
	"Screen Time",
	"School & Anxiety",
}

var Profiles = []string{"Neurotypical", "ADHD", "Autism", "Highly Sensitive"}

var Tones = []string{"Gentle", "Balanced", "Firm"}

type Request struct {
	Message  string                `json:"message" validate:"required"`
	ChildAge string                `json:"childAge" validate:"max=64"`
	Gender   string                `json:"gender" validate:"max=32"`
	Struggle string                `json:"struggle" validate:"struggle"`
	Profile  string                `json:"profile" validate:"profile"`
	Tone     string                `json:"tone" validate:"tone"`
	Mode     models.GenerationMode `json:"mode" validate:"mode"`
}

// RequestError carries the HTTP status a rejected request maps to.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func reject(status int, format string, args ...interface{}) error {
	return &RequestError{Status: status, Message: fmt.Sprintf(format, args...)}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	oneOf := func(allowed []string) validator.Func {
		set := make(map[string]struct{}, len(allowed))
		for _, a := range allowed {
			set[a] = struct{}{}
		}
		return func(fl validator.FieldLevel) bool {
			_, ok := set[fl.Field().String()]
			return ok
		}
	}
	_ = v.RegisterValidation("struggle", oneOf(Struggles))
	_ = v.RegisterValidation("profile", oneOf(Profiles))
	_ = v.RegisterValidation("tone", oneOf(Tones))
	_ = v.RegisterValidation("mode", oneOf([]string{string(models.ModeScript), string(models.ModeCoparent)}))
	return v
}

type Limits struct {
	MaxMessageChars int
	MaxBodyBytes    int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxMessageChars <= 0 {
		l.MaxMessageChars = DefaultMaxMessageChars
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return l
}

// DecodeRequest reads and validates a generation request body. Rejections are *RequestError.
func DecodeRequest(w http.ResponseWriter, r *http.Request, limits Limits) (Request, error) {
	limits = limits.withDefaults()

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || !isJSONMediaType(mediaType) {
			return Request{}, reject(http.StatusUnsupportedMediaType, "Content-Type must be application/json.")
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limits.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Request{}, reject(http.StatusRequestEntityTooLarge, "Request body too large.")
		}
		return Request{}, reject(http.StatusBadRequest, "Could not read request body.")
	}

	return ParseRequest(body, limits.MaxMessageChars)
}

func isJSONMediaType(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// ParseRequest normalizes a raw JSON body into a Request.
func ParseRequest(body []byte, maxChars int) (Request, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxMessageChars
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return Request{}, reject(http.StatusBadRequest, "Invalid JSON body.")
	}

	req := Request{
		Message:  coerce(raw["message"]),
		ChildAge: orDefault(coerce(raw["childAge"]), DefaultChildAge),
		Gender:   coerce(raw["gender"]),
		Struggle: orDefault(coerce(raw["struggle"]), DefaultStruggle),
		Profile:  orDefault(coerce(raw["profile"]), DefaultProfile),
		Tone:     orDefault(coerce(raw["tone"]), DefaultTone),
		Mode:     models.GenerationMode(orDefault(coerce(raw["mode"]), string(models.ModeScript))),
	}

	if req.Message == "" {
		return Request{}, reject(http.StatusBadRequest, "Message is required.")
	}
	if n := utf8.RuneCountInString(req.Message); n > maxChars {
		return Request{}, reject(http.StatusRequestEntityTooLarge, "Message is too long (max %d characters).", maxChars)
	}

	if err := validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return Request{}, reject(http.StatusBadRequest, "Invalid %s.", fieldName(ve[0]))
		}
		return Request{}, reject(http.StatusBadRequest, "Invalid request.")
	}

	return req, nil
}

func fieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "ChildAge":
		return "childAge"
	default:
		return strings.ToLower(fe.Field())
	}
}

func coerce(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
