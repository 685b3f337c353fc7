package tracking

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// stepPrefix marks hidden fields that carry multi-step form metadata. They
// are never stored with the submitted fields.
const stepPrefix = "__ak_"

var (
	emailFields     = []string{"email", "e-mail", "mail", "contact_email", "user_email"}
	phoneFields     = []string{"phone", "tel", "telephone", "mobile", "contact_phone", "user_phone"}
	firstNameFields = []string{"first_name", "firstname", "fname", "given_name"}
	lastNameFields  = []string{"last_name", "lastname", "lname", "surname", "family_name"}
	fullNameFields  = []string{"full_name", "fullname", "name", "your_name"}
	companyFields   = []string{"company", "organization", "company_name", "business"}
)

// Contact is what could be recognized in a submitted form
type Contact struct {
	Email     string
	Phone     string
	FirstName string
	LastName  string
	FullName  string
	Company   string
}

// DisplayName is the full name, or first and last joined
func (c Contact) DisplayName() string {
	if c.FullName != "" {
		return c.FullName
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Step is multi-step form progress reported through __ak_ fields
type Step struct {
	Number *int
	Total  *int
	Label  string
	ID     string
}

// ExtractContact recognizes contact fields. For each candidate name an exact
// key wins; otherwise keys are scanned in sorted order for a case-insensitive
// match or a key containing the name. A key is used for one field at most,
// so "first_name" never doubles as the full name.
func ExtractContact(fields map[string]any) Contact {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	used := map[string]bool{}
	find := func(names []string) string {
		key, v := fieldValue(fields, keys, names, used)
		if key != "" {
			used[key] = true
		}
		return v
	}
	return Contact{
		Email:     find(emailFields),
		Phone:     find(phoneFields),
		FirstName: find(firstNameFields),
		LastName:  find(lastNameFields),
		FullName:  find(fullNameFields),
		Company:   find(companyFields),
	}
}

func fieldValue(fields map[string]any, keys, names []string, used map[string]bool) (string, string) {
	for _, name := range names {
		if v := stringValue(fields[name]); v != "" && !used[name] {
			return name, v
		}
		for _, key := range keys {
			if used[key] {
				continue
			}
			lower := strings.ToLower(key)
			if lower != name && !strings.Contains(lower, name) {
				continue
			}
			if v := stringValue(fields[key]); v != "" {
				return key, v
			}
		}
	}
	return "", ""
}

func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// SplitStep removes the __ak_ metadata from fields and returns it with the
// remaining fields
func SplitStep(fields map[string]any) (Step, map[string]any) {
	var step Step
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if !strings.HasPrefix(k, stepPrefix) {
			clean[k] = v
			continue
		}
		switch strings.TrimPrefix(k, stepPrefix) {
		case "step_number":
			step.Number = intValue(v)
		case "total_steps":
			step.Total = intValue(v)
		case "step_label":
			step.Label = stringValue(v)
		case "step_id":
			step.ID = stringValue(v)
		}
	}
	return step, clean
}

func intValue(v any) *int {
	n, err := strconv.Atoi(stringValue(v))
	if err != nil {
		return nil
	}
	return &n
}
