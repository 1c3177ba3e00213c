package schema

import (
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"github.com/hamicek/noex-store-sub003/errs"
)

// RuleViolation is one failure reported by an attached RuleChecker.
type RuleViolation struct {
	Field   string
	Message string
}

// RuleChecker is the rules-engine bridge collaborator: an optional, pluggable source of
// extra cross-field constraints run after the built-in field-level validation succeeds.
// The store core only depends on this interface; package ruleengine supplies one concrete
// implementation.
type RuleChecker interface {
	Check(bucket string, record Document) ([]RuleViolation, error)
}

// Validator produces fully-formed insert and update records for one bucket and validates
// candidate records against its field definitions, collecting every issue rather than
// stopping at the first.
type Validator struct {
	bucket string
	def    *BucketDefinition
	rules  RuleChecker
	logger *zap.Logger

	patternsMu sync.Mutex
	patterns   map[string]*regexp2.Regexp
}

// Option configures a Validator.
type Option func(*Validator)

// WithRuleChecker attaches the optional rules-engine bridge.
func WithRuleChecker(rc RuleChecker) Option {
	return func(v *Validator) { v.rules = rc }
}

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// New constructs a Validator for one bucket's definition.
func New(bucket string, def *BucketDefinition, opts ...Option) *Validator {
	v := &Validator{
		bucket:   bucket,
		def:      def,
		logger:   zap.NewNop(),
		patterns: make(map[string]*regexp2.Regexp),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// PrepareInsert shallow-copies input, fills generated and default fields, attaches
// _version/_createdAt/_updatedAt metadata, validates, and returns the finished record.
// counterAfterBump is the bucket's autoincrement counter value after the BucketActor has
// already bumped it for this insert.
func (v *Validator) PrepareInsert(input Document, counterAfterBump int64) (Document, error) {
	rec := make(Document, len(input)+4)
	for k, val := range input {
		rec[k] = val
	}

	for name, fd := range v.def.Fields {
		if fd.Generated == "" {
			continue
		}
		if _, present := rec[name]; present {
			continue
		}
		switch fd.Generated {
		case GeneratedUUID:
			rec[name] = newUUID()
		case GeneratedCUID:
			rec[name] = newCUID()
		case GeneratedAutoincrement:
			rec[name] = counterAfterBump
		case GeneratedTimestamp:
			rec[name] = newTimestamp()
		}
	}

	for name, fd := range v.def.Fields {
		if _, present := rec[name]; present {
			continue
		}
		if fd.DefaultFunc != nil {
			rec[name] = fd.DefaultFunc()
		} else if fd.Default != nil {
			rec[name] = fd.Default
		}
	}

	now := time.Now().UnixMilli()
	rec["_version"] = int64(1)
	rec["_createdAt"] = now
	rec["_updatedAt"] = now

	if err := v.Validate(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// metadataFields are never user-settable; prepareUpdate silently strips them from the
// caller-supplied changes before merging, as does the primary-key field and every field
// carrying a generated strategy.
var metadataFields = map[string]bool{
	"_version": true, "_createdAt": true, "_updatedAt": true, "_expiresAt": true,
}

// PrepareUpdate merges changes over existing, stripping immutable fields, bumps
// _version, refreshes _updatedAt, validates, and returns the finished record.
func (v *Validator) PrepareUpdate(existing Document, changes Document) (Document, error) {
	sanitized := make(Document, len(changes))
	for k, val := range changes {
		if k == v.def.KeyField || metadataFields[k] {
			continue
		}
		if fd, ok := v.def.Fields[k]; ok && fd.Generated != "" {
			continue
		}
		sanitized[k] = val
	}

	merged := make(Document, len(existing)+len(sanitized))
	for k, val := range existing {
		merged[k] = val
	}
	for k, val := range sanitized {
		merged[k] = val
	}

	oldVersion, _ := toInt64(existing["_version"])
	merged["_version"] = oldVersion + 1
	merged["_updatedAt"] = time.Now().UnixMilli()
	merged["_createdAt"] = existing["_createdAt"]

	if err := v.Validate(merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// Validate checks record against every field definition, collecting all issues and
// returning a single *errs.ValidationError if any were found.
func (v *Validator) Validate(record Document) error {
	var issues []errs.Issue

	for name, fd := range v.def.Fields {
		val, present := record[name]
		isAbsent := !present || val == nil

		if fd.Required && isAbsent {
			issues = append(issues, errs.Issue{Field: name, Message: "field is required", Code: "required"})
			continue
		}
		if isAbsent {
			continue
		}

		if !checkType(fd.Type, val) {
			issues = append(issues, errs.Issue{Field: name, Message: fmt.Sprintf("expected type %s", fd.Type), Code: "type"})
			continue
		}

		if len(fd.Enum) > 0 && !inEnum(fd.Enum, val) {
			issues = append(issues, errs.Issue{Field: name, Message: "value not in enum", Code: "enum"})
		}

		switch fd.Type {
		case FieldTypeString:
			issues = append(issues, v.validateString(name, fd, val.(string))...)
		case FieldTypeNumber:
			issues = append(issues, validateNumber(name, fd, toFloat(val))...)
		}
	}

	if v.rules != nil && len(issues) == 0 {
		violations, err := v.rules.Check(v.bucket, record)
		if err != nil {
			v.logger.Warn("rule engine error during validation", zap.String("bucket", v.bucket), zap.Error(err))
		}
		for _, rv := range violations {
			issues = append(issues, errs.Issue{Field: rv.Field, Message: rv.Message, Code: "rule"})
		}
	}

	if len(issues) > 0 {
		return errs.NewValidationError(v.bucket, issues)
	}
	return nil
}

func (v *Validator) validateString(field string, fd *FieldDefinition, s string) []errs.Issue {
	var issues []errs.Issue
	if fd.MinLength != nil && len(s) < *fd.MinLength {
		issues = append(issues, errs.Issue{Field: field, Message: "string too short", Code: "minLength"})
	}
	if fd.MaxLength != nil && len(s) > *fd.MaxLength {
		issues = append(issues, errs.Issue{Field: field, Message: "string too long", Code: "maxLength"})
	}
	if fd.Pattern != "" {
		re, err := v.compilePattern(field, fd.Pattern)
		if err != nil {
			issues = append(issues, errs.Issue{Field: field, Message: "invalid pattern: " + err.Error(), Code: "pattern"})
		} else {
			ok, err := re.MatchString(s)
			if err != nil || !ok {
				issues = append(issues, errs.Issue{Field: field, Message: "value does not match pattern", Code: "pattern"})
			}
		}
	}
	switch fd.Format {
	case FormatEmail:
		if _, err := mail.ParseAddress(s); err != nil {
			issues = append(issues, errs.Issue{Field: field, Message: "invalid email format", Code: "format"})
		}
	case FormatURL:
		u, err := url.ParseRequestURI(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			issues = append(issues, errs.Issue{Field: field, Message: "invalid url format", Code: "format"})
		}
	case FormatISODate:
		if !isValidISODate(s) {
			issues = append(issues, errs.Issue{Field: field, Message: "invalid iso-date format", Code: "format"})
		}
	}
	return issues
}

func (v *Validator) compilePattern(field, source string) (*regexp2.Regexp, error) {
	v.patternsMu.Lock()
	defer v.patternsMu.Unlock()
	if re, ok := v.patterns[field]; ok {
		return re, nil
	}
	re, err := regexp2.Compile(source, regexp2.None)
	if err != nil {
		return nil, err
	}
	v.patterns[field] = re
	return re, nil
}

func validateNumber(field string, fd *FieldDefinition, n float64) []errs.Issue {
	var issues []errs.Issue
	if fd.Min != nil && n < *fd.Min {
		issues = append(issues, errs.Issue{Field: field, Message: "value below minimum", Code: "min"})
	}
	if fd.Max != nil && n > *fd.Max {
		issues = append(issues, errs.Issue{Field: field, Message: "value above maximum", Code: "max"})
	}
	return issues
}

// checkType implements the type rules: 'object' matches only a plain map (not arrays,
// not nil); 'array' matches only slices; 'number' excludes NaN, rejected here as a type
// mismatch rather than a range violation; 'date' accepts a time.Time, a finite numeric
// epoch, or a date string.
func checkType(t FieldType, val any) bool {
	switch t {
	case FieldTypeString:
		_, ok := val.(string)
		return ok
	case FieldTypeNumber:
		f, ok := toNumber(val)
		return ok && !math.IsNaN(f)
	case FieldTypeBoolean:
		_, ok := val.(bool)
		return ok
	case FieldTypeObject:
		if val == nil {
			return false
		}
		kind := reflect.TypeOf(val).Kind()
		return kind == reflect.Map
	case FieldTypeArray:
		if val == nil {
			return false
		}
		kind := reflect.TypeOf(val).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	case FieldTypeDate:
		switch x := val.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, x)
			return err == nil
		default:
			f, ok := toNumber(val)
			return ok && !math.IsNaN(f) && !math.IsInf(f, 0)
		}
	default:
		return false
	}
}

func toNumber(val any) (float64, bool) {
	switch x := val.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func toFloat(val any) float64 {
	f, _ := toNumber(val)
	return f
}

func toInt64(val any) (int64, bool) {
	switch x := val.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func inEnum(enum []any, val any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, val) {
			return true
		}
	}
	return false
}

func isValidISODate(s string) bool {
	layouts := []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05.000Z07:00"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			// Round-trip to catch calendar-invalid dates (e.g. 2024-02-30).
			if layout == "2006-01-02" && t.Format("2006-01-02") != s {
				continue
			}
			return true
		}
	}
	return false
}
