package secscan_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/civicforms/uploadgate/pkg/secscan"
)

func validPDF() secscan.File {
	content := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte("hello world "), 40)...)
	return secscan.File{
		Name:        "report.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(content)),
		Content:     content,
	}
}

func TestValidate_CleanFile(t *testing.T) {
	v := secscan.NewValidator(nil)
	res := v.Validate(validPDF(), secscan.DefaultOptions())

	if !res.Valid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
	if res.Level != secscan.LevelSafe {
		t.Errorf("expected safe level, got %s", res.Level)
	}
	if res.RiskScore != 0 {
		t.Errorf("expected zero risk score, got %d", res.RiskScore)
	}
	if res.FileHash == "" || res.FileHash == "hash-unavailable" {
		t.Errorf("expected a content hash, got %q", res.FileHash)
	}
}

func TestValidate_BasicChecks(t *testing.T) {
	v := secscan.NewValidator(nil)

	tests := []struct {
		name    string
		file    secscan.File
		wantErr string
	}{
		{
			name:    "missing filename",
			file:    secscan.File{ContentType: "application/pdf", Size: 10},
			wantErr: "filename is required",
		},
		{
			name:    "long filename",
			file:    secscan.File{Name: strings.Repeat("a", 300) + ".pdf", ContentType: "application/pdf", Size: 10},
			wantErr: "exceeds 255 characters",
		},
		{
			name:    "path traversal",
			file:    secscan.File{Name: "../../etc/passwd", ContentType: "application/pdf", Size: 10},
			wantErr: "path traversal",
		},
		{
			name:    "null byte",
			file:    secscan.File{Name: "file\x00.pdf", ContentType: "application/pdf", Size: 10},
			wantErr: "null bytes",
		},
		{
			name:    "empty file",
			file:    secscan.File{Name: "empty.pdf", ContentType: "application/pdf", Size: 0},
			wantErr: "file is empty",
		},
		{
			name:    "oversized file",
			file:    secscan.File{Name: "big.pdf", ContentType: "application/pdf", Size: 100 * 1024 * 1024},
			wantErr: "maximum size",
		},
		{
			name:    "missing content type",
			file:    secscan.File{Name: "file.pdf", Size: 10},
			wantErr: "content type is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.file, secscan.DefaultOptions())
			if res.Valid {
				t.Fatal("expected invalid result")
			}
			if !containsSubstring(res.Errors, tt.wantErr) {
				t.Errorf("errors %v missing %q", res.Errors, tt.wantErr)
			}
		})
	}
}

func TestValidate_DisallowedType(t *testing.T) {
	v := secscan.NewValidator(nil)
	res := v.Validate(secscan.File{
		Name:        "binary.bin",
		ContentType: "application/octet-stream",
		Size:        10,
	}, secscan.DefaultOptions())

	if res.Valid {
		t.Fatal("expected invalid result")
	}
	if res.RiskScore < 30 {
		t.Errorf("expected risk score >= 30, got %d", res.RiskScore)
	}
}

func TestValidate_ExecutableExtension(t *testing.T) {
	v := secscan.NewValidator(nil)
	res := v.Validate(secscan.File{
		Name:        "installer.exe",
		ContentType: "application/pdf",
		Size:        10,
	}, secscan.DefaultOptions())

	if res.Valid {
		t.Fatal("expected invalid result")
	}
	if !containsSubstring(res.Errors, "extension") {
		t.Errorf("errors %v missing extension rejection", res.Errors)
	}
}

func TestValidate_DoubleExtensionWarns(t *testing.T) {
	v := secscan.NewValidator(nil)
	res := v.Validate(secscan.File{
		Name:        "report.pdf.zip",
		ContentType: "application/pdf",
		Size:        10,
	}, secscan.DefaultOptions())

	if !containsSubstring(res.Warnings, "double extension") {
		t.Errorf("warnings %v missing double extension", res.Warnings)
	}
	if res.RiskScore < 10 {
		t.Errorf("expected risk score >= 10, got %d", res.RiskScore)
	}
}

func TestValidate_MagicNumberMismatch(t *testing.T) {
	v := secscan.NewValidator(nil)

	// Declared PDF, JPEG, PNG with wrong leading bytes must all fail
	// with at least the spoofing score.
	for _, ct := range []string{"application/pdf", "image/jpeg", "image/png"} {
		t.Run(ct, func(t *testing.T) {
			res := v.Validate(secscan.File{
				Name:        "file.dat.pdf",
				ContentType: ct,
				Size:        16,
				Content:     []byte("not the real magic bytes"),
			}, secscan.Options{AllowedMIMETypes: []string{ct}, MaxSize: 1 << 20})

			if res.Valid {
				t.Fatal("expected invalid result")
			}
			if res.RiskScore < 50 {
				t.Errorf("expected risk score >= 50, got %d", res.RiskScore)
			}
		})
	}
}

func TestValidate_MagicNumberMatch(t *testing.T) {
	v := secscan.NewValidator(nil)
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x10, 0x20, 0x30}, 50)...)
	res := v.Validate(secscan.File{
		Name:        "photo.jpg",
		ContentType: "image/jpeg",
		Size:        int64(len(jpeg)),
		Content:     jpeg,
	}, secscan.DefaultOptions())

	if !res.Valid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
}

func TestValidate_MaliciousContent(t *testing.T) {
	v := secscan.NewValidator(nil)
	res := v.Validate(secscan.File{
		Name:        "invoice.pdf",
		ContentType: "application/pdf",
		Size:        64,
		Content:     []byte("%PDF-1.4 <script>window.location='http://evil'</script>"),
	}, secscan.DefaultOptions())

	if res.Valid {
		t.Fatal("expected invalid result")
	}
	if res.RiskScore < 70 {
		t.Errorf("expected risk score >= 70, got %d", res.RiskScore)
	}
	if res.Level != secscan.LevelHigh {
		t.Errorf("expected high-risk level, got %s", res.Level)
	}
}

func TestValidate_TextFileAmbiguousDowngrade(t *testing.T) {
	v := secscan.NewValidator(nil)

	// A plain text file mentioning a script tag without intent signals
	// is suspicious but not conclusive.
	res := v.Validate(secscan.File{
		Name:        "notes.txt",
		ContentType: "text/plain",
		Size:        64,
		Content:     []byte("remember to escape <script> tags in user input"),
	}, secscan.DefaultOptions())

	if !res.Valid {
		t.Fatalf("expected valid with warning, got errors: %v", res.Errors)
	}
	if !containsSubstring(res.Warnings, "script-like") {
		t.Errorf("warnings %v missing script-like downgrade", res.Warnings)
	}
}

func TestValidate_TextFileWithIntentStaysError(t *testing.T) {
	v := secscan.NewValidator(nil)

	tests := []struct {
		name string
		file secscan.File
	}{
		{
			name: "explicit eval",
			file: secscan.File{
				Name: "notes.txt", ContentType: "text/plain", Size: 40,
				Content: []byte("<script>eval(payload)</script>"),
			},
		},
		{
			name: "dom globals",
			file: secscan.File{
				Name: "notes.txt", ContentType: "text/plain", Size: 60,
				Content: []byte("<script>document.cookie</script>"),
			},
		},
		{
			name: "malicious filename",
			file: secscan.File{
				Name: "malicious-notes.txt", ContentType: "text/plain", Size: 40,
				Content: []byte("something <script> here"),
			},
		},
		{
			name: "alert plus xss marker",
			file: secscan.File{
				Name: "notes.txt", ContentType: "text/plain", Size: 60,
				Content: []byte("xss test: <script>alert(1)</script>"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.file, secscan.DefaultOptions())
			if res.Valid {
				t.Fatalf("expected invalid, got warnings only: %v", res.Warnings)
			}
		})
	}
}

func TestValidate_HighEntropyWarns(t *testing.T) {
	v := secscan.NewValidator(nil)

	// A full byte spread has entropy near 8 bits/byte.
	content := append([]byte("%PDF"), make([]byte, 8192)...)
	for i := 4; i < len(content); i++ {
		content[i] = byte(i * 31)
	}
	res := v.Validate(secscan.File{
		Name:        "packed.pdf",
		ContentType: "application/pdf",
		Size:        int64(len(content)),
		Content:     content,
	}, secscan.DefaultOptions())

	if !containsSubstring(res.Warnings, "entropy") {
		t.Errorf("warnings %v missing entropy flag", res.Warnings)
	}
	if !res.Valid {
		t.Errorf("entropy alone must not invalidate, got errors: %v", res.Errors)
	}
}

func TestValidator_Metrics(t *testing.T) {
	v := secscan.NewValidator(nil)

	v.Validate(validPDF(), secscan.DefaultOptions())
	v.Validate(secscan.File{
		Name: "evil.exe", ContentType: "application/pdf", Size: 10,
	}, secscan.DefaultOptions())
	v.RecordRateLimitViolation()

	stats := v.Metrics()
	if stats.TotalUploads != 2 {
		t.Errorf("expected 2 total uploads, got %d", stats.TotalUploads)
	}
	if stats.RejectedUploads != 1 {
		t.Errorf("expected 1 rejection, got %d", stats.RejectedUploads)
	}
	if stats.RateLimitViolations != 1 {
		t.Errorf("expected 1 rate limit violation, got %d", stats.RateLimitViolations)
	}
	if stats.LastIncident.IsZero() {
		t.Error("expected last incident timestamp to be set")
	}
	if got := stats.RejectionRate(); got != 0.5 {
		t.Errorf("expected rejection rate 0.5, got %f", got)
	}

	v.ResetMetrics()
	if v.Metrics().TotalUploads != 0 {
		t.Error("expected counters to reset")
	}
}

func TestValidate_SpoofingCounter(t *testing.T) {
	v := secscan.NewValidator(nil)
	v.Validate(secscan.File{
		Name:        "fake.png",
		ContentType: "image/png",
		Size:        8,
		Content:     []byte("GIF89a.."),
	}, secscan.DefaultOptions())

	if got := v.Metrics().MIMETypeSpoofing; got != 1 {
		t.Errorf("expected 1 spoofing incident, got %d", got)
	}
}

func containsSubstring(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
