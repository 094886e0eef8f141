package secscan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
)

// Level classifies the overall risk of a validated file.
type Level string

const (
	LevelSafe   Level = "safe"
	LevelLow    Level = "low-risk"
	LevelMedium Level = "medium-risk"
	LevelHigh   Level = "high-risk"
)

// Risk score contributions per check. Levels derive from the
// accumulated score: >= 70 high, >= 30 medium, > 0 low.
const (
	scoreDisallowedType   = 30
	scoreSuspiciousName   = 10
	scoreMagicMismatch    = 50
	scoreMaliciousContent = 70
	scoreAmbiguousContent = 20

	levelHighThreshold   = 70
	levelMediumThreshold = 30
)

// scanWindow is how much of the file content the malicious-pattern and
// entropy checks examine.
const scanWindow = 8 * 1024

// entropyThreshold flags content that looks encrypted or packed.
const entropyThreshold = 7.5

// hashUnavailable is recorded when no content hash could be computed.
const hashUnavailable = "hash-unavailable"

// maxFilenameLength caps accepted filename lengths.
const maxFilenameLength = 255

// File is a normalized byte source. Content may be nil when only
// metadata checks are wanted (e.g. at form submission time, before the
// staged object is materialized).
type File struct {
	Name        string
	ContentType string
	Size        int64
	Content     []byte
}

// Options controls a single validation run.
type Options struct {
	// AllowedMIMETypes is the MIME allow-list. Empty means use the
	// default portal allow-list.
	AllowedMIMETypes []string

	// MaxSize is the maximum accepted file size in bytes.
	// Default: 25MB.
	MaxSize int64

	// ClientID identifies the submitting client for incident logs.
	ClientID string
}

// DefaultOptions returns the portal's standard validation options.
func DefaultOptions() Options {
	return Options{
		AllowedMIMETypes: defaultAllowedTypes,
		MaxSize:          25 * 1024 * 1024,
	}
}

// Result is the outcome of one validation run. Errors make the file
// unacceptable; warnings are advisory and only raise the risk score.
type Result struct {
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
	FileHash  string   `json:"fileHash"`
	RiskScore int      `json:"riskScore"`
	Level     Level    `json:"securityLevel"`
}

var defaultAllowedTypes = []string{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-excel",
	"text/csv",
	"application/pdf",
	"image/jpeg",
	"image/png",
	"text/plain",
}

// deniedExtensions are executable-like extensions that are never
// accepted regardless of declared MIME type.
var deniedExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".msi",
	".jar", ".vbs", ".ps1", ".sh", ".php", ".asp", ".aspx", ".jsp",
}

// doubleExtension matches names like report.pdf.exe where a benign
// extension hides an executable one.
var doubleExtension = regexp.MustCompile(`(?i)\.(pdf|docx?|xlsx?|csv|txt|jpe?g|png)\.[a-z0-9]{1,4}$`)

var suspiciousNameFragments = []string{
	"autorun", "desktop.ini", "thumbs.db", ".htaccess", "web.config",
}

// magicNumbers maps declared MIME types to their expected leading
// bytes. A declared type with a known signature whose content does not
// start with any listed prefix is treated as spoofed.
var magicNumbers = map[string][][]byte{
	"application/pdf": {[]byte("%PDF")},
	"image/jpeg":      {{0xFF, 0xD8, 0xFF}},
	"image/png":       {{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
}

// maliciousPatterns are matched case-insensitively against the scan
// window. Any hit is an error for non-text files; for plain text files
// ambiguous hits degrade to warnings unless intent signals are present.
var maliciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script[\s>]`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bexec\s*\(`),
	regexp.MustCompile(`(?i)\bsystem\s*\(`),
	regexp.MustCompile(`(?i)/bin/(?:ba)?sh\b`),
	regexp.MustCompile(`(?i)\bcmd\.exe\b`),
	regexp.MustCompile(`(?i)\bpowershell\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)\bon(?:load|error|click|mouseover|focus)\s*=`),
}

// intent signals that keep a script-like match an error even inside a
// plain text file.
var (
	intentEval       = regexp.MustCompile(`(?i)\beval\s*\(`)
	intentDOMGlobals = regexp.MustCompile(`(?i)\b(?:document|window)\s*\.`)
	intentAlert      = regexp.MustCompile(`(?i)\balert\s*\(`)
)

// Validator screens file submissions. The zero value is not usable;
// construct with NewValidator.
type Validator struct {
	logger *slog.Logger
	stats  statSet
}

// NewValidator creates a Validator. A nil logger falls back to
// slog.Default.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger.With("component", "secscan")}
}

// Validate runs the full check sequence over file and returns a fresh
// Result. It is safe for concurrent use.
func (v *Validator) Validate(file File, opts Options) *Result {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultOptions().MaxSize
	}
	if len(opts.AllowedMIMETypes) == 0 {
		opts.AllowedMIMETypes = defaultAllowedTypes
	}

	res := &Result{FileHash: hashUnavailable}
	v.stats.recordUpload()

	v.checkBasics(file, opts, res)
	v.checkType(file, opts, res)

	if file.Content != nil {
		v.checkMagicNumber(file, res)
		res.FileHash = contentHash(file.Content)
		v.checkMaliciousContent(file, res)
		v.checkEntropy(file.Content, res)
	}

	res.Valid = len(res.Errors) == 0
	res.Level = levelFor(res.RiskScore)

	if !res.Valid {
		v.stats.recordRejection()
		v.logger.Warn("file rejected",
			"filename", file.Name,
			"client", opts.ClientID,
			"risk_score", res.RiskScore,
			"level", res.Level,
			"errors", res.Errors)
	} else if len(res.Warnings) > 0 {
		v.stats.recordSuspicious()
		v.logger.Info("file accepted with warnings",
			"filename", file.Name,
			"client", opts.ClientID,
			"risk_score", res.RiskScore,
			"warnings", res.Warnings)
	}
	return res
}

func (v *Validator) checkBasics(file File, opts Options, res *Result) {
	name := file.Name
	switch {
	case name == "":
		res.addError("filename is required")
	case len(name) > maxFilenameLength:
		res.addError(fmt.Sprintf("filename exceeds %d characters", maxFilenameLength))
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		res.addError("filename contains path traversal sequences")
	}
	if strings.ContainsRune(name, 0) {
		res.addError("filename contains null bytes")
	}

	if file.Size < 1 {
		res.addError("file is empty")
	} else if file.Size > opts.MaxSize {
		res.addError(fmt.Sprintf("file exceeds maximum size of %d bytes", opts.MaxSize))
	}

	if file.ContentType == "" {
		res.addError("content type is required")
	}
}

func (v *Validator) checkType(file File, opts Options, res *Result) {
	if file.ContentType != "" && !containsFold(opts.AllowedMIMETypes, file.ContentType) {
		res.addError(fmt.Sprintf("content type %q is not allowed", file.ContentType))
		res.RiskScore += scoreDisallowedType
	}

	lower := strings.ToLower(file.Name)
	for _, ext := range deniedExtensions {
		if strings.HasSuffix(lower, ext) {
			res.addError(fmt.Sprintf("file extension %q is not allowed", ext))
			break
		}
	}

	// Each filename heuristic counts once per category, not per hit.
	if doubleExtension.MatchString(file.Name) {
		res.addWarning("filename has a double extension")
		res.RiskScore += scoreSuspiciousName
	}
	for _, frag := range suspiciousNameFragments {
		if strings.Contains(lower, frag) {
			res.addWarning(fmt.Sprintf("filename contains suspicious fragment %q", frag))
			res.RiskScore += scoreSuspiciousName
			break
		}
	}
}

func (v *Validator) checkMagicNumber(file File, res *Result) {
	signatures, known := magicNumbers[strings.ToLower(file.ContentType)]
	if !known {
		return
	}
	for _, sig := range signatures {
		if bytes.HasPrefix(file.Content, sig) {
			return
		}
	}
	res.addError(fmt.Sprintf("content does not match declared type %q", file.ContentType))
	res.RiskScore += scoreMagicMismatch
	v.stats.recordSpoofing()
	v.logger.Warn("mime type spoofing detected",
		"filename", file.Name, "declared_type", file.ContentType)
}

func (v *Validator) checkMaliciousContent(file File, res *Result) {
	window := file.Content
	if len(window) > scanWindow {
		window = window[:scanWindow]
	}

	var matched []string
	for _, pat := range maliciousPatterns {
		if pat.Match(window) {
			matched = append(matched, pat.String())
		}
	}
	if len(matched) == 0 {
		return
	}

	if v.scriptMatchIsAmbiguous(file, window) {
		res.addWarning("content contains script-like patterns")
		res.RiskScore += scoreAmbiguousContent
		return
	}

	res.addError("content contains potentially malicious patterns")
	res.RiskScore += scoreMaliciousContent
	v.stats.recordMalicious()
	v.logger.Warn("malicious content detected",
		"filename", file.Name, "patterns", len(matched))
}

// scriptMatchIsAmbiguous reports whether a pattern hit inside a plain
// text file lacks the intent signals that would confirm it as an
// attack. Non-text files and files declaring a script type are never
// ambiguous.
func (v *Validator) scriptMatchIsAmbiguous(file File, window []byte) bool {
	ct := strings.ToLower(file.ContentType)
	if !strings.HasPrefix(ct, "text/") {
		return false
	}
	if strings.Contains(ct, "javascript") || strings.Contains(ct, "ecmascript") {
		return false
	}

	if intentEval.Match(window) || intentDOMGlobals.Match(window) {
		return false
	}
	if strings.Contains(strings.ToLower(file.Name), "malicious") {
		return false
	}
	lower := bytes.ToLower(window)
	if intentAlert.Match(window) && bytes.Contains(lower, []byte("xss")) {
		return false
	}
	return true
}

func (v *Validator) checkEntropy(content []byte, res *Result) {
	window := content
	if len(window) > scanWindow {
		window = window[:scanWindow]
	}
	if shannonEntropy(window) > entropyThreshold {
		res.addWarning("high entropy content, possibly encrypted or packed")
	}
}

func (r *Result) addError(msg string) {
	r.Errors = append(r.Errors, msg)
}

func (r *Result) addWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func levelFor(score int) Level {
	switch {
	case score >= levelHighThreshold:
		return LevelHigh
	case score >= levelMediumThreshold:
		return LevelMedium
	case score > 0:
		return LevelLow
	default:
		return LevelSafe
	}
}

// contentHash returns the hex SHA-256 of content for traceability.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// shannonEntropy computes bits of entropy per byte over data.
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	total := float64(len(data))
	entropy := 0.0
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
