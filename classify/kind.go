package classify

import (
	"fmt"
	"html"
	"regexp"

	"github.com/dhcgn/mail-to-telegram/model"
)

// Kind is a closed set of recognised notification categories.
type Kind int

const (
	KindNone Kind = iota
	KindTravelCode
	KindHouseholdUpdate
	KindSignInCode
)

func (k Kind) String() string {
	if def, ok := kinds[k]; ok {
		return def.name
	}
	return "none"
}

type kindDef struct {
	name string
	// tokens must already be in Normalize form.
	tokens   []string
	extract  func(body string) (string, bool)
	template string
	format   model.FormatHint
}

var (
	travelLinkPattern    = regexp.MustCompile(`https://www\.netflix\.com/account/travel/verify[^\s\]>"]+`)
	householdLinkPattern = regexp.MustCompile(`https://www\.netflix\.com/account/update-primary-location[^\s\]>"]+`)
	signInCodePattern    = regexp.MustCompile(`(?m)^[ \t]*(\d{4,8})[ \t]*\r?$`)
)

// priority is the order in which kinds are tried by Classify.
var priority = []Kind{KindTravelCode, KindHouseholdUpdate, KindSignInCode}

var kinds = map[Kind]kindDef{
	KindTravelCode: {
		name:     "travel_code",
		tokens:   []string{"travel verify", "temporary access code", "codigo de acceso temporal"},
		extract:  matchWhole(travelLinkPattern),
		template: "<b>Netflix temporary access requested</b>\n%s",
		format:   model.FormatHTML,
	},
	KindHouseholdUpdate: {
		name:     "household_update",
		tokens:   []string{"update your netflix household", "actualizar tu hogar con netflix"},
		extract:  matchWhole(householdLinkPattern),
		template: "<b>Netflix household update requested</b>\n%s",
		format:   model.FormatHTML,
	},
	KindSignInCode: {
		name:     "sign_in_code",
		tokens:   []string{"sign-in code", "codigo de inicio de sesion"},
		extract:  matchGroup(signInCodePattern, 1),
		template: "Netflix sign-in code: <code>%s</code>",
		format:   model.FormatHTML,
	},
}

func matchWhole(re *regexp.Regexp) func(string) (string, bool) {
	return func(body string) (string, bool) {
		m := re.FindString(body)
		return m, m != ""
	}
}

func matchGroup(re *regexp.Regexp, group int) func(string) (string, bool) {
	return func(body string) (string, bool) {
		m := re.FindStringSubmatch(body)
		if len(m) <= group || m[group] == "" {
			return "", false
		}
		return m[group], true
	}
}

func (s kindDef) render(fragment string) string {
	if s.format == model.FormatHTML {
		fragment = html.EscapeString(fragment)
	}
	return fmt.Sprintf(s.template, fragment)
}
