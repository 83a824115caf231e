// Package codec decodes the engine's JSON result blobs and encodes the
// payloads pushed to the control surface.
package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// Result types carried in RecognitionPayload.ResultType.
const (
	ResultPartial = 0
	ResultFinal   = 2
)

// UnknownConfidence marks a result without a usable confidence.
const UnknownConfidence = -1.0

type ErrorPayload struct {
	ErrorMsg  string `json:"errorMsg"`
	Permanent bool   `json:"permanent"`
}

type Alternate struct {
	RecognizedWords string  `json:"recognizedWords"`
	Confidence      float64 `json:"confidence"`
}

type RecognitionPayload struct {
	Alternates []Alternate `json:"alternates"`
	ResultType int         `json:"resultType"`
}

// ExtractText returns the string value of field in blob, or "" when the blob
// is malformed or the field is missing or not a string.
func ExtractText(blob, field string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(blob), &fields); err != nil {
		return ""
	}
	raw, ok := fields[field]
	if !ok {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return ""
	}
	return text
}

// ExtractAverageConfidence averages every "conf" number found anywhere in
// blob. Blobs that do not decode, such as truncated ones, are scanned as
// text instead. It returns UnknownConfidence when there is none.
func ExtractAverageConfidence(blob string) float64 {
	dec := json.NewDecoder(strings.NewReader(blob))
	dec.UseNumber()
	var doc any
	var sum float64
	var count int
	if err := dec.Decode(&doc); err != nil {
		sum, count = scanConfidence(blob)
	} else {
		collectConfidence(doc, &sum, &count)
	}
	if count == 0 {
		return UnknownConfidence
	}
	return sum / float64(count)
}

// scanConfidence reads the number after each "conf" key and stops at the
// first key without one.
func scanConfidence(blob string) (sum float64, count int) {
	const key = `"conf"`
	rest := blob
	for {
		i := strings.Index(rest, key)
		if i < 0 {
			return sum, count
		}
		rest = rest[i+len(key):]
		colon := strings.IndexByte(rest, ':')
		if colon < 0 {
			return sum, count
		}
		rest = strings.TrimLeft(rest[colon+1:], " \t\r\n")
		end := strings.IndexFunc(rest, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != '-' && r != '+'
		})
		if end < 0 {
			end = len(rest)
		}
		if end == 0 {
			return sum, count
		}
		if f, err := strconv.ParseFloat(rest[:end], 64); err == nil {
			sum += f
			count++
		}
		rest = rest[end:]
	}
}

func collectConfidence(node any, sum *float64, count *int) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if key == "conf" {
				if n, ok := child.(json.Number); ok {
					if f, err := n.Float64(); err == nil {
						*sum += f
						*count++
					}
					continue
				}
			}
			collectConfidence(child, sum, count)
		}
	case []any:
		for _, child := range v {
			collectConfidence(child, sum, count)
		}
	}
}

// ClampConfidence caps values above 1 and maps negatives to UnknownConfidence.
func ClampConfidence(confidence float64) float64 {
	switch {
	case math.IsNaN(confidence), confidence < 0:
		return UnknownConfidence
	case confidence > 1:
		return 1
	}
	return math.Round(confidence*1000) / 1000
}

func EncodeError(message string, permanent bool) string {
	return encode(ErrorPayload{ErrorMsg: message, Permanent: permanent})
}

func EncodeRecognition(text string, confidence float64, final bool) string {
	resultType := ResultPartial
	if final {
		resultType = ResultFinal
	}
	return encode(RecognitionPayload{
		Alternates: []Alternate{{RecognizedWords: text, Confidence: ClampConfidence(confidence)}},
		ResultType: resultType,
	})
}

// encode escapes control characters but leaves <, > and & readable.
func encode(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

var localeHints = []string{"en-us", "en-gb", "de-de", "fr-fr", "es-es", "pt-br"}

// GuessLocaleFromModelPath derives a locale tag from the model directory
// name, e.g. "vosk-model-small-en-us-0.15" -> "en-US". It is a heuristic and
// falls back to "en-US".
func GuessLocaleFromModelPath(path string) string {
	folder := filepath.Base(strings.ReplaceAll(path, "\\", "/"))
	if folder == "." || folder == "/" {
		folder = ""
	}
	folder = strings.ReplaceAll(folder, "_", "-")
	lowered := strings.ToLower(folder)
	for _, hint := range localeHints {
		if strings.Contains(lowered, hint) {
			return formatLocale(hint)
		}
	}
	if len(folder) >= 5 && folder[2] == '-' && isLetters(folder[:2]) && isLetters(folder[3:5]) &&
		(len(folder) == 5 || !isLetters(folder[5:6])) {
		return formatLocale(folder[:5])
	}
	return "en-US"
}

func isLetters(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func formatLocale(tag string) string {
	return strings.ToLower(tag[:2]) + "-" + strings.ToUpper(tag[3:5])
}
