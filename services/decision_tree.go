package services

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"nifti2database/models"
)

//go:embed decision_tree.yaml
var defaultDecisionTree []byte

// ErrUnknownHandler wird beim Laden gemeldet, wenn ein Handler-Name nicht existiert.
var ErrUnknownHandler = errors.New("unknown decision tree handler")

// Classification ist das Ergebnis eines Handlers für ein Volume.
type Classification struct {
	Tag    string
	Suffix string
	// Extra enthält weitere abgeleitete Felder, die mit in den Record wandern.
	Extra models.Record
}

// Handler klassifiziert ein Volume anhand seiner Metadaten.
type Handler interface {
	Name() string
	Classify(fields models.Record) Classification
}

// Rule verknüpft einen regulären Ausdruck auf PulseSequenceName mit einem Handler.
type Rule struct {
	Pattern *regexp.Regexp
	Handler Handler
}

// DecisionTree ist die geordnete Liste der Regeln.
type DecisionTree struct {
	Rules []Rule
}

type ruleConfig struct {
	Pattern string `yaml:"pattern"`
	Handler string `yaml:"handler"`
}

// LoadDecisionTree liest den Entscheidungsbaum aus path oder nutzt die eingebettete Vorgabe.
func LoadDecisionTree(path string) (*DecisionTree, error) {
	raw := defaultDecisionTree
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read decision tree %s: %w", path, err)
		}
	}
	return ParseDecisionTree(raw)
}

// ParseDecisionTree löst alle Handler-Namen bereits beim Laden auf.
func ParseDecisionTree(raw []byte) (*DecisionTree, error) {
	var cfg []ruleConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse decision tree: %w", err)
	}
	if len(cfg) == 0 {
		return nil, errors.New("decision tree is empty")
	}
	tree := &DecisionTree{Rules: make([]Rule, 0, len(cfg))}
	for i, rc := range cfg {
		h, ok := handlers[rc.Handler]
		if !ok {
			return nil, fmt.Errorf("rule %d: %w: %q", i, ErrUnknownHandler, rc.Handler)
		}
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid pattern %q: %w", i, rc.Pattern, err)
		}
		tree.Rules = append(tree.Rules, Rule{Pattern: re, Handler: h})
	}
	return tree, nil
}

// Match liefert die erste Regel, deren Ausdruck auf PulseSequenceName passt.
func (t *DecisionTree) Match(fields models.Record) (Rule, bool) {
	seq := fields.String(models.FieldPulseSequenceName)
	for _, r := range t.Rules {
		if r.Pattern.MatchString(seq) {
			return r, true
		}
	}
	return Rule{}, false
}

var handlers = map[string]Handler{}

func register(h Handler) { handlers[h.Name()] = h }

func init() {
	register(mprageHandler{})
	register(tseVflHandler{})
	register(diffHandler{})
	register(boldHandler{})
	register(fmapHandler{})
	register(greHandler{})
	register(tseHandler{})
	register(ep2dSEHandler{})
	register(discardHandler{})
	register(unknownHandler{})
}

type mprageHandler struct{}

func (mprageHandler) Name() string { return "mprage" }
func (mprageHandler) Classify(f models.Record) Classification {
	if strings.Contains(strings.ToLower(f.String(models.FieldPulseSequenceName)), "mp2rage") {
		return Classification{Tag: "mp2rage", Suffix: "MP2RAGE"}
	}
	return Classification{Tag: "mprage", Suffix: "T1w"}
}

type tseVflHandler struct{}

func (tseVflHandler) Name() string { return "tse_vfl" }
func (tseVflHandler) Classify(f models.Record) Classification {
	if containsFold(f.String(models.FieldProtocolName), "flair") || imageTypeHas(f, "IR") {
		return Classification{Tag: "tse_vfl", Suffix: "FLAIR"}
	}
	return Classification{Tag: "tse_vfl", Suffix: "T2w"}
}

type diffHandler struct{}

func (diffHandler) Name() string { return "diff" }
func (diffHandler) Classify(f models.Record) Classification {
	if imageTypeHas(f, "ADC") || imageTypeHas(f, "FA") || imageTypeHas(f, "TRACEW") {
		return Classification{Tag: "diff", Suffix: "dwi", Extra: models.Record{"derived": true}}
	}
	return Classification{Tag: "diff", Suffix: "dwi"}
}

type boldHandler struct{}

func (boldHandler) Name() string { return "bold" }
func (boldHandler) Classify(f models.Record) Classification {
	if containsFold(f.String("SeriesDescription"), "sbref") {
		return Classification{Tag: "bold", Suffix: "sbref"}
	}
	return Classification{Tag: "bold", Suffix: "bold"}
}

type fmapHandler struct{}

func (fmapHandler) Name() string { return "fmap" }
func (fmapHandler) Classify(f models.Record) Classification {
	if imageTypeHas(f, "P") {
		return Classification{Tag: "fmap", Suffix: "phasediff"}
	}
	return Classification{Tag: "fmap", Suffix: "magnitude"}
}

type greHandler struct{}

func (greHandler) Name() string { return "gre" }
func (greHandler) Classify(f models.Record) Classification {
	return Classification{Tag: "gre", Suffix: "T2starw"}
}

type tseHandler struct{}

func (tseHandler) Name() string { return "tse" }
func (tseHandler) Classify(f models.Record) Classification {
	if containsFold(f.String(models.FieldProtocolName), "pd") {
		return Classification{Tag: "tse", Suffix: "PDw"}
	}
	return Classification{Tag: "tse", Suffix: "T2w"}
}

type ep2dSEHandler struct{}

func (ep2dSEHandler) Name() string { return "ep2d_se" }
func (ep2dSEHandler) Classify(f models.Record) Classification {
	return Classification{Tag: "ep2d_se", Suffix: "epi"}
}

type discardHandler struct{}

func (discardHandler) Name() string { return "DISCARD" }
func (discardHandler) Classify(f models.Record) Classification {
	return Classification{Tag: "DISCARD"}
}

type unknownHandler struct{}

func (unknownHandler) Name() string { return "UNKNOWN" }
func (unknownHandler) Classify(f models.Record) Classification {
	return Classification{Tag: "UNKNOWN"}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// imageTypeHas prüft, ob ImageType (Liste oder String) den Eintrag enthält.
func imageTypeHas(f models.Record, entry string) bool {
	switch v := f["ImageType"].(type) {
	case []string:
		for _, s := range v {
			if s == entry {
				return true
			}
		}
	case string:
		for _, s := range strings.Split(v, "\\") {
			if s == entry {
				return true
			}
		}
	}
	return false
}

// SubjectID entfernt alle nicht-alphanumerischen Zeichen aus dem Patientennamen.
func SubjectID(patientName string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, patientName)
}
