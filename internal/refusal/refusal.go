// Package refusal classifies model text that declines to act instead of
// calling a tool. It only matches genuine capability refusals; questions,
// advice and announcements of intent never trigger a retry.
package refusal

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind separates the two rule tables.
type Kind int

const (
	// KindNone means no rule matched.
	KindNone Kind = iota
	// KindRefusal marks a capability refusal.
	KindRefusal
	// KindExclusion marks text that must never be retried.
	KindExclusion
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRefusal:
		return "refusal"
	case KindExclusion:
		return "exclusion"
	default:
		return "unknown"
	}
}

type rule struct {
	label   string
	pattern *regexp.Regexp
}

// Patterns run on normalized text: lower case, accents stripped, typographic
// apostrophes folded to '.
var refusalRules = []rule{
	{"cannot", regexp.MustCompile(`\bje ne (peux|pourrai|saurais) pas\b`)},
	{"not_able", regexp.MustCompile(`\bje ne suis pas (en mesure|capable|autorise)\b`)},
	{"no_access", regexp.MustCompile(`\bje n'ai (pas|aucun) (acces|la possibilite|les droits|moyen)\b`)},
	{"failed", regexp.MustCompile(`\bje n'(ai pas pu|arrive pas|y parviens pas|ai pas reussi)\b`)},
	{"not_available", regexp.MustCompile(`\bje ne dispose (pas|d'aucun)\b`)},
	{"impossible", regexp.MustCompile(`\b(il m'est impossible|impossible pour moi)\b`)},
	{"not_recorded", regexp.MustCompile(`\baucun(e)? (client|facture|devis|affaire|mission|tache|entreprise)s? (n'est |n'a ete )?(enregistre|trouve|existant|correspondant)`)},
	{"en_cannot", regexp.MustCompile(`\bi (cannot|can't|can ?not|am unable to|am not able to|won't be able to)\b`)},
	{"en_no_access", regexp.MustCompile(`\bi (don't|do not) have (access|the ability|permission)\b`)},
	{"en_not_recorded", regexp.MustCompile(`\bno such \w+ (is )?(recorded|found|exists)\b`)},
}

var exclusionRules = []rule{
	{"question", regexp.MustCompile(`\?\s*$`)},
	{"intent", regexp.MustCompile(`\b(je vais|je m'en occupe|je procede|je cree|i will|i'll|i am going to|let me)\b`)},
	{"advice", regexp.MustCompile(`\b(je vous (conseille|recommande|suggere)|vous (pouvez|devriez|pourriez)|i (recommend|suggest)|you (can|could|should))\b`)},
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")

// Normalize folds text for matching.
func Normalize(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	folded = apostrophes.Replace(strings.ToLower(folded))
	return strings.Join(strings.Fields(folded), " ")
}

// Verdict is the classification of one model reply.
type Verdict struct {
	Kind  Kind
	Label string
}

// Retry reports whether the verdict calls for a forced tool retry.
func (v Verdict) Retry() bool { return v.Kind == KindRefusal }

// Classify checks exclusions first, then refusals.
func Classify(text string) Verdict {
	normalized := Normalize(text)
	if normalized == "" {
		return Verdict{Kind: KindNone}
	}
	for _, r := range exclusionRules {
		if r.pattern.MatchString(normalized) {
			return Verdict{Kind: KindExclusion, Label: r.label}
		}
	}
	for _, r := range refusalRules {
		if r.pattern.MatchString(normalized) {
			return Verdict{Kind: KindRefusal, Label: r.label}
		}
	}
	return Verdict{Kind: KindNone}
}

// ShouldRetry reports whether text is a capability refusal.
func ShouldRetry(text string) bool {
	return Classify(text).Retry()
}
