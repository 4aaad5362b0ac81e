package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	emailRe     = regexp.MustCompile(`[\w\.-]+@[\w\.-]+\.\w+`)
	jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)
	leadNameRe  = regexp.MustCompile(`Name:\s*(.+)`)
)

// meetingFieldOrder is the order missing fields are reported in.
var meetingFieldOrder = []string{"name", "email", "date", "time", "product"}

// labelledFieldRes extract meeting fields from "Label: value" lines.
var labelledFieldRes = map[string]*regexp.Regexp{
	"name":    regexp.MustCompile(`(?i)name[:\- ]+(.*)`),
	"email":   regexp.MustCompile(`(?i)email[:\- ]+(.*)`),
	"date":    regexp.MustCompile(`(?i)date[:\- ]+([0-9/\-]+)`),
	"time":    regexp.MustCompile(`(?i)time[:\- ]+([0-9: ]+[APMapm]+)`),
	"product": regexp.MustCompile(`(?i)product[:\- ]+(.*)`),
}

// FirstEmail returns the first email address in text.
func FirstEmail(text string) (string, bool) {
	m := emailRe.FindString(text)
	return m, m != ""
}

// JSONBlock returns the outermost {...} span of text.
func JSONBlock(text string) (string, error) {
	block := jsonBlockRe.FindString(text)
	if block == "" {
		return "", &JSONBlockError{Raw: text}
	}
	return block, nil
}

// Recommendation is the product stage's parsed model answer.
type Recommendation struct {
	ProductName  string
	VideoLink    string
	DocumentLink string
}

// DefaultProductName is used when the model names no product.
const DefaultProductName = "Your Product"

// ParseRecommendation extracts the product recommendation from a model
// response that contains a JSON object with product_name, video_link and
// document_link.
func ParseRecommendation(response string) (Recommendation, error) {
	block, err := JSONBlock(response)
	if err != nil {
		return Recommendation{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return Recommendation{}, fmt.Errorf("pipeline: parse recommendation JSON %q: %w", block, err)
	}
	rec := Recommendation{
		ProductName:  str(raw["product_name"]),
		VideoLink:    str(raw["video_link"]),
		DocumentLink: str(raw["document_link"]),
	}
	if rec.ProductName == "" {
		rec.ProductName = DefaultProductName
	}
	return rec, nil
}

// MeetingFields are the values needed to book a demo.
type MeetingFields struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	Product string `json:"product"`
}

func (f *MeetingFields) field(name string) *string {
	switch name {
	case "name":
		return &f.Name
	case "email":
		return &f.Email
	case "date":
		return &f.Date
	case "time":
		return &f.Time
	case "product":
		return &f.Product
	}
	return nil
}

// ExtractMeetingFields reads the meeting fields from a model response. A JSON
// object is tried first; any field it leaves empty is looked up with the
// labelled-line patterns. Fields still missing afterwards are reported in a
// [*MissingFieldsError].
func ExtractMeetingFields(response string) (MeetingFields, error) {
	var out MeetingFields
	if block, err := JSONBlock(response); err == nil {
		var raw map[string]any
		if json.Unmarshal([]byte(block), &raw) == nil {
			for _, name := range meetingFieldOrder {
				*out.field(name) = strings.TrimSpace(str(raw[name]))
			}
		}
	}

	var missing []string
	for _, name := range meetingFieldOrder {
		dst := out.field(name)
		if *dst == "" {
			if m := labelledFieldRes[name].FindStringSubmatch(response); m != nil {
				*dst = cleanValue(m[1])
			}
		}
		if *dst == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return out, &MissingFieldsError{Fields: missing}
	}
	return out, nil
}

// LeadName extracts the lead's name from a summary body.
func LeadName(body string) string {
	if m := leadNameRe.FindStringSubmatch(body); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			return name
		}
	}
	return "New Lead"
}

// CleanSummary drops subject lines and draft markers from a model-written
// email body.
func CleanSummary(content string) string {
	var kept []string
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		l := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(l, "subject:") || strings.Contains(l, "draft") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// cleanValue trims whitespace and markdown emphasis around a captured value.
func cleanValue(s string) string {
	return strings.Trim(strings.TrimSpace(s), "*_` \t\r")
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
