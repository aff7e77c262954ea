package narrative

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/heimdex/heimdex-compiler/internal/edit"
)

// section is one object level of a stage schema. synonyms maps accepted alternative keys to the
// canonical key; ignore lists keys the endpoint is known to add that carry nothing we use.
// Any other unknown key fails decoding.
type section struct {
	path     string
	array    bool
	synonyms map[string]string
	ignore   []string
}

var planSchema = []section{
	{
		synonyms: map[string]string{"angle": "story_angle", "story_beats": "beats"},
		ignore:   []string{"total_beats", "planned_duration", "target_duration", "story_slug", "brief"},
	},
	{
		path:  "beats",
		array: true,
		synonyms: map[string]string{
			"number":              "beat_number",
			"beat_name":           "title",
			"name":                "title",
			"suggested_duration":  "target_duration",
			"duration":            "target_duration",
			"shot_requirements":   "requirements",
			"required_shot_types": "required_types",
			"shot_types":          "required_types",
		},
	},
}

var selectSchema = []section{
	{
		synonyms: map[string]string{"shots": "selections", "relaxed_filters": "relaxation"},
		ignore:   []string{"shot_variety", "total_duration"},
	},
	{
		path:     "selections",
		array:    true,
		synonyms: map[string]string{"reason": "rationale", "id": "shot_id", "beat": "beat_number"},
		ignore:   []string{"duration", "six_elements_score", "elements_satisfied"},
	},
	{
		path:     "relaxation",
		synonyms: map[string]string{"shot_types": "required_types", "new_query": "query"},
	},
}

var verifySchema = []section{
	{
		synonyms: map[string]string{"score": "overall_score", "dimension_scores": "scores", "is_approved": "approved"},
		ignore:   []string{"transition_analysis", "shot_variety_analysis", "duration_analysis"},
	},
	{
		path:     "issues",
		array:    true,
		synonyms: map[string]string{"issue": "description", "fix": "suggestion", "type": "category"},
	},
}

// DecodePlan parses a planning response into a normalized plan.
func DecodePlan(raw string) (*edit.Plan, error) {
	doc, err := canonical(StagePlan, raw, planSchema)
	if err != nil {
		return nil, err
	}
	for i, b := range gjson.Get(doc, "beats").Array() {
		if req := b.Get("requirements"); req.IsArray() {
			if doc, err = sjson.Set(doc, fmt.Sprintf("beats.%d.requirements", i), joinStrings(req, "; ")); err != nil {
				return nil, malformed(StagePlan, raw, err.Error())
			}
		}
		if types := b.Get("required_types"); types.Type == gjson.String {
			if doc, err = sjson.Set(doc, fmt.Sprintf("beats.%d.required_types", i), splitList(types.String())); err != nil {
				return nil, malformed(StagePlan, raw, err.Error())
			}
		}
	}

	plan, err := decodeStrict[edit.Plan](StagePlan, raw, doc)
	if err != nil {
		return nil, err
	}
	if len(plan.Beats) == 0 {
		return nil, malformed(StagePlan, raw, "plan has no beats")
	}
	for i, b := range plan.Beats {
		if strings.TrimSpace(b.Description) == "" && strings.TrimSpace(b.Title) == "" {
			return nil, malformed(StagePlan, raw, fmt.Sprintf("beat %d has neither title nor description", i+1))
		}
		if b.TargetDuration < 0 {
			return nil, malformed(StagePlan, raw, fmt.Sprintf("beat %d has a negative target duration", i+1))
		}
		for j, t := range b.RequiredTypes {
			plan.Beats[i].RequiredTypes[j] = strings.ToUpper(strings.TrimSpace(t))
		}
	}
	plan.Normalize()
	return plan, nil
}

// DecodeSelection parses a selection response. relax reports whether the request asked for a
// constraint relaxation, which makes the relaxation object acceptable in place of selections.
func DecodeSelection(raw string, relax bool) (*SelectResponse, error) {
	doc, err := canonical(StageSelect, raw, selectSchema)
	if err != nil {
		return nil, err
	}
	for i, s := range gjson.Get(doc, "selections").Array() {
		id := s.Get("shot_id")
		if id.Type != gjson.String {
			continue
		}
		n, perr := strconv.ParseInt(strings.TrimSpace(id.String()), 10, 64)
		if perr != nil {
			return nil, malformed(StageSelect, raw, fmt.Sprintf("selection %d: shot_id %q is not a number", i+1, id.String()))
		}
		if doc, err = sjson.Set(doc, fmt.Sprintf("selections.%d.shot_id", i), n); err != nil {
			return nil, malformed(StageSelect, raw, err.Error())
		}
	}

	hasSelections := gjson.Get(doc, "selections").IsArray()
	resp, err := decodeStrict[SelectResponse](StageSelect, raw, doc)
	if err != nil {
		return nil, err
	}
	switch {
	case relax && resp.Relaxation == nil && len(resp.Selections) == 0:
		return nil, malformed(StageSelect, raw, "relaxation requested but none returned")
	case !relax && !hasSelections:
		return nil, malformed(StageSelect, raw, "missing selections")
	}
	for i, s := range resp.Selections {
		if s.ShotID <= 0 {
			return nil, malformed(StageSelect, raw, fmt.Sprintf("selection %d has no shot_id", i+1))
		}
	}
	if r := resp.Relaxation; r != nil {
		for i, t := range r.RequiredTypes {
			r.RequiredTypes[i] = strings.ToUpper(strings.TrimSpace(t))
		}
	}
	return resp, nil
}

// DecodeReport parses a verification response. approved and overall_score are required.
func DecodeReport(raw string) (*edit.Report, error) {
	doc, err := canonical(StageVerify, raw, verifySchema)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"approved", "overall_score"} {
		if !gjson.Get(doc, key).Exists() {
			return nil, malformed(StageVerify, raw, "missing "+key)
		}
	}

	report, err := decodeStrict[edit.Report](StageVerify, raw, doc)
	if err != nil {
		return nil, err
	}
	if report.OverallScore < 0 || report.OverallScore > 10 {
		return nil, malformed(StageVerify, raw, fmt.Sprintf("overall_score %.2f outside 0..10", report.OverallScore))
	}
	for i := range report.Issues {
		report.Issues[i].Severity = edit.ParseSeverity(string(report.Issues[i].Severity))
	}
	edit.SortIssues(report.Issues)
	return report, nil
}

// canonical extracts the JSON document and rewrites it onto the canonical keys.
func canonical(stage, raw string, schema []section) (string, error) {
	doc, err := extractJSON(stage, raw)
	if err != nil {
		return "", err
	}
	for _, sec := range schema {
		if doc, err = rewrite(doc, sec); err != nil {
			return "", malformed(stage, raw, err.Error())
		}
	}
	return doc, nil
}

func rewrite(doc string, sec section) (string, error) {
	var prefixes []string
	switch {
	case sec.path == "":
		prefixes = []string{""}
	case sec.array:
		for i := range gjson.Get(doc, sec.path).Array() {
			prefixes = append(prefixes, fmt.Sprintf("%s.%d.", sec.path, i))
		}
	case gjson.Get(doc, sec.path).IsObject():
		prefixes = []string{sec.path + "."}
	}

	for _, prefix := range prefixes {
		obj := gjson.Parse(doc)
		if prefix != "" {
			obj = gjson.Get(doc, strings.TrimSuffix(prefix, "."))
		}
		if !obj.IsObject() {
			continue
		}

		present := map[string]gjson.Result{}
		var keys []string
		obj.ForEach(func(k, v gjson.Result) bool {
			present[k.String()] = v
			keys = append(keys, k.String())
			return true
		})
		sort.Strings(keys)

		var err error
		for _, key := range keys {
			if contains(sec.ignore, key) {
				if doc, err = sjson.Delete(doc, prefix+key); err != nil {
					return "", err
				}
				continue
			}
			canon, ok := sec.synonyms[key]
			if !ok {
				continue
			}
			if _, dup := present[canon]; dup {
				return "", fmt.Errorf("both %q and its synonym %q are present", canon, key)
			}
			if doc, err = sjson.SetRaw(doc, prefix+canon, present[key].Raw); err != nil {
				return "", err
			}
			if doc, err = sjson.Delete(doc, prefix+key); err != nil {
				return "", err
			}
			present[canon] = present[key]
		}
	}
	return doc, nil
}

// extractJSON accepts a bare JSON object or one wrapped in a single markdown code fence. Any
// prose around the object is rejected.
func extractJSON(stage, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", malformed(stage, raw, "empty response")
	}
	if strings.HasPrefix(s, "```") {
		nl := strings.IndexByte(s, '\n')
		if nl < 0 || len(s) < nl+4 || !strings.HasSuffix(s, "```") {
			return "", malformed(stage, raw, "code fence is not closed at the end of the response")
		}
		if info := strings.TrimSpace(s[3:nl]); info != "" && !strings.EqualFold(info, "json") {
			return "", malformed(stage, raw, fmt.Sprintf("code fence language %q", info))
		}
		s = strings.TrimSpace(s[nl+1 : len(s)-3])
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return "", malformed(stage, raw, "text outside the JSON object")
	}
	if !gjson.Valid(s) {
		return "", malformed(stage, raw, "invalid JSON")
	}
	return s, nil
}

func decodeStrict[T any](stage, raw, doc string) (*T, error) {
	var v T
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, malformed(stage, raw, err.Error())
	}
	return &v, nil
}

func malformed(stage, raw, reason string) error {
	return &ResponseError{Stage: stage, Reason: reason, Raw: raw}
}

func joinStrings(arr gjson.Result, sep string) string {
	var parts []string
	for _, v := range arr.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '/' || r == '|' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
