/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Response evaluation engine — rule sets of sum-typed
             criteria (regex, contains, JSON schema/path, length,
             latency, cost, sentiment, toxicity, PII, composite,
             deferred LLM-judge/custom-function) scored against a
             completed response, with a ring-buffer evaluation log
             and Slack alerting on failure.
Root Cause:  Sprint task G090 — evaluation pipeline: did the model's
             answer satisfy the criteria we actually care about.
Context:     Criteria operate against both the raw JSON response body
             (gjson paths) and its extracted textual output (regex,
             contains, length, sentiment, toxicity, PII), plus request
             metadata (latency, cost) carried alongside the response.
Suitability: L3 — rule evaluation plus alert fan-out.
──────────────────────────────────────────────────────────────
*/

package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// CriterionType is one member of the sum-typed criteria the evaluation
// pipeline supports.
type CriterionType string

const (
	CriterionRegexMatch     CriterionType = "regex_match"
	CriterionRegexNoMatch   CriterionType = "regex_no_match"
	CriterionContains       CriterionType = "contains"
	CriterionNotContains    CriterionType = "not_contains"
	CriterionJSONSchema     CriterionType = "json_schema"
	CriterionJSONPathExists CriterionType = "json_path_exists"
	CriterionJSONPathEquals CriterionType = "json_path_equals"
	CriterionLengthMin      CriterionType = "length_min"
	CriterionLengthMax      CriterionType = "length_max"
	CriterionLatencyMax     CriterionType = "latency_max"
	CriterionCostMax        CriterionType = "cost_max"
	CriterionSentiment      CriterionType = "sentiment"
	CriterionToxicity       CriterionType = "toxicity"
	CriterionPIIDetection   CriterionType = "pii_detection"
	CriterionComposite      CriterionType = "composite"
	CriterionLLMJudge       CriterionType = "llm_judge"
	CriterionCustomFunction CriterionType = "custom_function"
)

// Severity orders failed criteria for a rule set's max-severity report.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	"":               0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

func severityOrDefault(s Severity) Severity {
	if s == "" {
		return SeverityError
	}
	return s
}

// Criterion is a single sum-typed check. Only the fields relevant to
// Type are read; the rest are ignored, so a rule set can be built from
// a flat JSON object regardless of criterion type.
type Criterion struct {
	Name     string        `json:"name"`
	Type     CriterionType `json:"type"`
	Enabled  *bool         `json:"enabled,omitempty"`
	Severity Severity      `json:"severity,omitempty"`
	Weight   float64       `json:"weight,omitempty"`

	// regex_match / regex_no_match
	Pattern string `json:"pattern,omitempty"`

	// contains / not_contains
	Value         string `json:"value,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`

	// json_schema
	Schema json.RawMessage `json:"schema,omitempty"`

	// json_path_exists / json_path_equals
	Path     string      `json:"path,omitempty"`
	Expected interface{} `json:"expected,omitempty"`

	// length_min / length_max
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`

	// latency_max / cost_max
	MaxLatencyMs float64 `json:"max_latency_ms,omitempty"`
	MaxCostUSD   float64 `json:"max_cost_usd,omitempty"`

	// sentiment / toxicity
	Keywords []string `json:"keywords,omitempty"`

	// composite
	Mode     string      `json:"mode,omitempty"` // all | any | weighted
	MinScore float64     `json:"min_score,omitempty"`
	Children []Criterion `json:"children,omitempty"`
}

func (c Criterion) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RuleSet is a named group of criteria evaluated together against one
// response, plus an optional aggregate score gate on top of the
// per-criterion failedCount==0 rule.
type RuleSet struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Criteria   []Criterion  `json:"criteria"`
	MinScore   float64      `json:"min_score"`
	Filter     *RuleSetFilter `json:"filter,omitempty"`
	SampleRate float64      `json:"sample_rate"`
	Async      bool         `json:"async,omitempty"`
	Alert      *AlertConfig `json:"alert,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// RuleSetFilter narrows which requests a rule set is even considered
// against, evaluated before the sample_rate draw.
type RuleSetFilter struct {
	Models  []string          `json:"models,omitempty"`
	Paths   []string          `json:"paths,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
	MinCost float64           `json:"min_cost,omitempty"`
}

// Matches reports whether a request's model/path/tags/cost satisfy the
// filter. A nil filter matches everything.
func (f *RuleSetFilter) Matches(model, path string, tags map[string]string, cost float64) bool {
	if f == nil {
		return true
	}
	if len(f.Models) > 0 && !containsString(f.Models, model) {
		return false
	}
	if len(f.Paths) > 0 && !containsString(f.Paths, path) {
		return false
	}
	if f.MinCost > 0 && cost < f.MinCost {
		return false
	}
	for k, v := range f.Tags {
		if tags[k] != v {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// AlertConfig gates a rule set's Slack notification behind a rolling
// pass-rate window instead of firing on every failed result: an alert
// fires only once sampleCount within Window reaches MinSamples, the
// pass rate over that window drops below PassRateThreshold, and at
// least Cooldown has elapsed since the last fire.
type AlertConfig struct {
	PassRateThreshold float64  `json:"pass_rate_threshold"`
	WindowMinutes     int      `json:"window_minutes"`
	MinSamples        int      `json:"min_samples"`
	CooldownMinutes   int      `json:"cooldown_minutes"`
	Channels          []string `json:"channels,omitempty"`
}

// CriterionResult is one criterion's outcome.
type CriterionResult struct {
	Name     string                 `json:"name"`
	Type     CriterionType          `json:"type,omitempty"`
	Passed   bool                   `json:"passed"`
	Score    float64                `json:"score"`
	Severity Severity               `json:"severity,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Input is everything a criterion may need: the raw response body, its
// extracted textual output, and request metadata gathered upstream of
// evaluation (latency, cost).
type Input struct {
	RequestID    string
	Model        string
	Path         string
	Output       string
	ResponseBody []byte
	LatencyMs    float64
	CostUSD      float64
	RequestedAt  time.Time
	Tags         map[string]string
}

// Result is a rule set's outcome against one response.
type Result struct {
	RuleSetID   string            `json:"rule_set_id"`
	RequestID   string            `json:"request_id"`
	Passed      bool              `json:"passed"`
	Score       float64           `json:"score"`
	MaxSeverity Severity          `json:"max_severity,omitempty"`
	Criteria    []CriterionResult `json:"criteria"`
	Failures    []string          `json:"failures"`
	Timestamp   time.Time         `json:"timestamp"`
	LatencyMs   float64           `json:"latency_ms"`
}

// Notifier delivers a failed evaluation result to an external channel.
type Notifier interface {
	Notify(ctx context.Context, result Result, ruleSet RuleSet) error
}

// Engine evaluates rule sets against responses and keeps a bounded
// ring buffer of recent results.
type Engine struct {
	mu       sync.RWMutex
	log      []Result
	logCap   int
	notifier Notifier

	alertMu sync.Mutex
	alerts  map[string]*alertWindow
}

// alertWindow is one rule set's rolling pass/fail sample window for
// the alert gate.
type alertWindow struct {
	samples     []alertSample
	lastAlertAt time.Time
}

type alertSample struct {
	at     time.Time
	passed bool
}

// NewEngine creates an evaluation engine, keeping the last logCap
// results in memory (logCap <= 0 falls back to 10000).
func NewEngine(logCap int, notifier Notifier) *Engine {
	if logCap <= 0 {
		logCap = 10000
	}
	return &Engine{logCap: logCap, notifier: notifier, alerts: make(map[string]*alertWindow)}
}

// Evaluate runs every enabled criterion in ruleSet against input and
// returns the scored result. Passed is failedCount==0, additionally
// gated by ruleSet.MinScore when it is set above zero. When ruleSet.Alert
// is set, the result is added to that rule set's rolling alert window,
// which may fire the configured Notifier without blocking the caller.
func (e *Engine) Evaluate(ctx context.Context, ruleSet RuleSet, input Input) Result {
	start := time.Now()
	if input.Output == "" && len(input.ResponseBody) > 0 {
		input.Output = extractOutputText(input.ResponseBody)
	}

	var criteriaResults []CriterionResult
	var totalScore float64
	var failures []string
	enabledCount := 0
	failedCount := 0
	var maxSeverity Severity

	for _, c := range ruleSet.Criteria {
		if !c.enabled() {
			continue
		}
		cr := evaluateCriterion(c, input)
		criteriaResults = append(criteriaResults, cr)
		enabledCount++
		totalScore += cr.Score
		if !cr.Passed {
			failedCount++
			failures = append(failures, fmt.Sprintf("%s: %s", cr.Name, cr.Message))
			if severityRank[cr.Severity] > severityRank[maxSeverity] {
				maxSeverity = cr.Severity
			}
		}
	}

	score := 1.0
	if enabledCount > 0 {
		score = totalScore / float64(enabledCount)
	}
	passed := failedCount == 0
	if ruleSet.MinScore > 0 && score < ruleSet.MinScore {
		passed = false
	}

	result := Result{
		RuleSetID: ruleSet.ID, RequestID: input.RequestID, Passed: passed,
		Score: score, MaxSeverity: maxSeverity, Criteria: criteriaResults, Failures: failures,
		Timestamp: time.Now(), LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}

	e.record(result)
	e.recordAlertSample(ruleSet, result)
	return result
}

// recordAlertSample folds one pass/fail observation into ruleSet's
// rolling window and fires the notifier only when sampleCount within
// the window reaches MinSamples, the windowed pass rate drops below
// PassRateThreshold, and Cooldown has elapsed since the last fire.
// Firing sets lastAlertAt so the next one waits out the cooldown.
func (e *Engine) recordAlertSample(ruleSet RuleSet, result Result) {
	cfg := ruleSet.Alert
	if cfg == nil || e.notifier == nil {
		return
	}
	windowMinutes := cfg.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 1
	}
	window := time.Duration(windowMinutes) * time.Minute
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute

	e.alertMu.Lock()
	aw, ok := e.alerts[ruleSet.ID]
	if !ok {
		aw = &alertWindow{}
		e.alerts[ruleSet.ID] = aw
	}

	now := time.Now()
	aw.samples = append(aw.samples, alertSample{at: now, passed: result.Passed})
	cutoff := now.Add(-window)
	kept := aw.samples[:0]
	for _, s := range aw.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	aw.samples = kept

	sampleCount := len(aw.samples)
	if sampleCount < minSamples {
		e.alertMu.Unlock()
		return
	}
	failed := 0
	for _, s := range aw.samples {
		if !s.passed {
			failed++
		}
	}
	passRate := float64(sampleCount-failed) / float64(sampleCount)
	if passRate >= cfg.PassRateThreshold {
		e.alertMu.Unlock()
		return
	}
	if !aw.lastAlertAt.IsZero() && now.Sub(aw.lastAlertAt) <= cooldown {
		e.alertMu.Unlock()
		return
	}
	aw.lastAlertAt = now
	e.alertMu.Unlock()

	go func() {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.notifier.Notify(notifyCtx, result, ruleSet)
	}()
}

func boolScore(passed bool) float64 {
	if passed {
		return 1
	}
	return 0
}

func evaluateCriterion(c Criterion, input Input) CriterionResult {
	cr := CriterionResult{Name: c.Name, Type: c.Type, Severity: severityOrDefault(c.Severity)}

	switch c.Type {
	case CriterionRegexMatch, CriterionRegexNoMatch:
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			cr.Message = fmt.Sprintf("invalid pattern %q: %v", c.Pattern, err)
			return cr
		}
		matched := re.MatchString(input.Output)
		if c.Type == CriterionRegexMatch {
			cr.Passed = matched
			if !cr.Passed {
				cr.Message = fmt.Sprintf("output did not match %q", c.Pattern)
			}
		} else {
			cr.Passed = !matched
			if !cr.Passed {
				cr.Message = fmt.Sprintf("output unexpectedly matched %q", c.Pattern)
			}
		}
		cr.Score = boolScore(cr.Passed)

	case CriterionContains, CriterionNotContains:
		haystack, needle := input.Output, c.Value
		if !c.CaseSensitive {
			haystack, needle = strings.ToLower(haystack), strings.ToLower(needle)
		}
		has := strings.Contains(haystack, needle)
		if c.Type == CriterionContains {
			cr.Passed = has
			if !cr.Passed {
				cr.Message = fmt.Sprintf("output did not contain %q", c.Value)
			}
		} else {
			cr.Passed = !has
			if !cr.Passed {
				cr.Message = fmt.Sprintf("output unexpectedly contained %q", c.Value)
			}
		}
		cr.Score = boolScore(cr.Passed)

	case CriterionJSONSchema:
		ok, errs := validateJSONSchema(c.Schema, input.Output)
		cr.Passed = ok
		cr.Score = boolScore(ok)
		if !ok {
			cr.Message = strings.Join(errs, "; ")
			cr.Details = map[string]interface{}{"errors": errs}
		}

	case CriterionJSONPathExists:
		v := gjson.GetBytes(input.ResponseBody, c.Path)
		cr.Passed = v.Exists()
		cr.Score = boolScore(cr.Passed)
		if !cr.Passed {
			cr.Message = fmt.Sprintf("path %q did not exist", c.Path)
		}

	case CriterionJSONPathEquals:
		v := gjson.GetBytes(input.ResponseBody, c.Path)
		cr.Passed = v.Exists() && compareEqual(v, c.Expected)
		cr.Score = boolScore(cr.Passed)
		if !cr.Passed {
			cr.Message = fmt.Sprintf("path %q = %q, expected %v", c.Path, v.String(), c.Expected)
		}

	case CriterionLengthMin:
		length := float64(len([]rune(input.Output)))
		score := 1.0
		if c.Min > 0 {
			score = math.Min(length/c.Min, 1.0)
		}
		cr.Score = score
		cr.Passed = length >= c.Min
		if !cr.Passed {
			cr.Message = fmt.Sprintf("output length %d below minimum %v", int(length), c.Min)
		}

	case CriterionLengthMax:
		length := float64(len([]rune(input.Output)))
		score := 1.0
		if c.Max > 0 && length > c.Max {
			score = math.Max(1-(length-c.Max)/c.Max, 0)
		}
		cr.Score = score
		cr.Passed = c.Max <= 0 || length <= c.Max
		if !cr.Passed {
			cr.Message = fmt.Sprintf("output length %d above maximum %v", int(length), c.Max)
		}

	case CriterionLatencyMax:
		score := 1.0
		if c.MaxLatencyMs > 0 && input.LatencyMs > c.MaxLatencyMs {
			score = math.Max(1-(input.LatencyMs-c.MaxLatencyMs)/c.MaxLatencyMs, 0)
		}
		cr.Score = score
		cr.Passed = c.MaxLatencyMs <= 0 || input.LatencyMs <= c.MaxLatencyMs
		if !cr.Passed {
			cr.Message = fmt.Sprintf("latency %.0fms above maximum %.0fms", input.LatencyMs, c.MaxLatencyMs)
		}

	case CriterionCostMax:
		score := 1.0
		if c.MaxCostUSD > 0 && input.CostUSD > c.MaxCostUSD {
			score = math.Max(1-(input.CostUSD-c.MaxCostUSD)/c.MaxCostUSD, 0)
		}
		cr.Score = score
		cr.Passed = c.MaxCostUSD <= 0 || input.CostUSD <= c.MaxCostUSD
		if !cr.Passed {
			cr.Message = fmt.Sprintf("cost $%.4f above maximum $%.4f", input.CostUSD, c.MaxCostUSD)
		}

	case CriterionSentiment:
		label, confidence := sentimentHeuristic(input.Output)
		cr.Details = map[string]interface{}{"label": label, "confidence": confidence}
		cr.Score = confidence
		if c.Value != "" {
			cr.Passed = label == c.Value
			if !cr.Passed {
				cr.Message = fmt.Sprintf("sentiment %q, expected %q", label, c.Value)
			}
		} else {
			cr.Passed = true
		}

	case CriterionToxicity:
		hits := toxicKeywordHits(input.Output, c.Keywords)
		cr.Passed = len(hits) == 0
		cr.Score = boolScore(cr.Passed)
		if len(hits) > 0 {
			cr.Details = map[string]interface{}{"matched": hits}
			cr.Message = fmt.Sprintf("toxic keywords found: %s", strings.Join(hits, ", "))
		}

	case CriterionPIIDetection:
		types := detectPII(input.Output)
		cr.Passed = len(types) == 0
		cr.Score = boolScore(cr.Passed)
		if len(types) > 0 {
			cr.Details = map[string]interface{}{"pii_types": types}
			cr.Message = fmt.Sprintf("PII detected: %s", strings.Join(types, ", "))
		}

	case CriterionComposite:
		return evaluateComposite(c, input)

	case CriterionLLMJudge, CriterionCustomFunction:
		cr.Passed = true
		cr.Score = 1.0
		cr.Severity = SeverityInfo
		cr.Message = "not_implemented"

	default:
		cr.Message = fmt.Sprintf("unknown criterion type %q", c.Type)
	}
	return cr
}

// evaluateComposite recursively evaluates a composite criterion's
// children and combines them per its mode: all (AND, average score),
// any (OR, max score), weighted (Σw·s/Σw, pass iff ≥ MinScore).
func evaluateComposite(c Criterion, input Input) CriterionResult {
	cr := CriterionResult{Name: c.Name, Type: CriterionComposite, Severity: severityOrDefault(c.Severity)}

	var children []CriterionResult
	for _, child := range c.Children {
		if !child.enabled() {
			continue
		}
		children = append(children, evaluateCriterion(child, input))
	}
	if len(children) == 0 {
		cr.Passed = true
		cr.Score = 1.0
		return cr
	}

	switch c.Mode {
	case "any":
		maxScore := 0.0
		anyPassed := false
		for _, r := range children {
			if r.Score > maxScore {
				maxScore = r.Score
			}
			if r.Passed {
				anyPassed = true
			}
		}
		cr.Score = maxScore
		cr.Passed = anyPassed
	case "weighted":
		var sumWeight, sumWeightedScore float64
		for i, r := range children {
			w := c.Children[i].Weight
			if w <= 0 {
				w = 1
			}
			sumWeight += w
			sumWeightedScore += w * r.Score
		}
		score := 1.0
		if sumWeight > 0 {
			score = sumWeightedScore / sumWeight
		}
		minScore := c.MinScore
		if minScore == 0 {
			minScore = 1.0
		}
		cr.Score = score
		cr.Passed = score >= minScore
	default: // "all"
		sum := 0.0
		allPassed := true
		for _, r := range children {
			sum += r.Score
			if !r.Passed {
				allPassed = false
			}
		}
		cr.Score = sum / float64(len(children))
		cr.Passed = allPassed
	}

	if !cr.Passed {
		var failed []string
		for _, r := range children {
			if !r.Passed {
				failed = append(failed, r.Name)
			}
		}
		cr.Message = fmt.Sprintf("composite %s failed: %s", orDefault(c.Mode, "all"), strings.Join(failed, ", "))
	}
	details := make([]map[string]interface{}, 0, len(children))
	for _, r := range children {
		details = append(details, map[string]interface{}{"name": r.Name, "passed": r.Passed, "score": r.Score})
	}
	cr.Details = map[string]interface{}{"children": details}
	return cr
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// extractOutputText pulls the textual content a criterion reasons
// about out of a chat-completion response body, falling back to the
// raw body as text if no choices/message/content path is present.
func extractOutputText(body []byte) string {
	if v := gjson.GetBytes(body, "choices.0.message.content"); v.Exists() {
		return v.String()
	}
	if v := gjson.GetBytes(body, "choices.0.text"); v.Exists() {
		return v.String()
	}
	if v := gjson.GetBytes(body, "content.0.text"); v.Exists() {
		return v.String()
	}
	return string(body)
}

// validateJSONSchema performs the "basic check sufficient" schema
// validation: top-level type, required fields, and properties[*].type.
func validateJSONSchema(schema json.RawMessage, output string) (bool, []string) {
	if len(schema) == 0 {
		return true, nil
	}
	var rules struct {
		Type       string                    `json:"type"`
		Required   []string                  `json:"required"`
		Properties map[string]struct{ Type string `json:"type"` } `json:"properties"`
	}
	if err := json.Unmarshal(schema, &rules); err != nil {
		return false, []string{fmt.Sprintf("invalid schema: %v", err)}
	}

	var data interface{}
	if err := json.Unmarshal([]byte(output), &data); err != nil {
		return false, []string{fmt.Sprintf("output is not valid JSON: %v", err)}
	}

	var errs []string
	if rules.Type != "" && jsonTypeName(data) != rules.Type {
		errs = append(errs, fmt.Sprintf("expected type %q, got %q", rules.Type, jsonTypeName(data)))
	}
	obj, isObj := data.(map[string]interface{})
	for _, field := range rules.Required {
		if !isObj {
			errs = append(errs, fmt.Sprintf("required field %q: output is not an object", field))
			continue
		}
		if _, ok := obj[field]; !ok {
			errs = append(errs, fmt.Sprintf("missing required field %q", field))
		}
	}
	if isObj {
		for name, propRule := range rules.Properties {
			if propRule.Type == "" {
				continue
			}
			val, ok := obj[name]
			if !ok {
				continue
			}
			if got := jsonTypeName(val); got != propRule.Type {
				errs = append(errs, fmt.Sprintf("property %q: expected type %q, got %q", name, propRule.Type, got))
			}
		}
	}
	return len(errs) == 0, errs
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}

var positiveKeywords = []string{"great", "excellent", "good", "happy", "thanks", "helpful", "love", "perfect", "awesome"}
var negativeKeywords = []string{"bad", "terrible", "awful", "hate", "angry", "useless", "broken", "worst", "disappointed"}

// sentimentHeuristic is a keyword-count heuristic: no claim of
// production-grade calibration, just label + confidence.
func sentimentHeuristic(text string) (string, float64) {
	lower := strings.ToLower(text)
	pos, neg := 0, 0
	for _, w := range positiveKeywords {
		pos += strings.Count(lower, w)
	}
	for _, w := range negativeKeywords {
		neg += strings.Count(lower, w)
	}
	total := pos + neg
	if total == 0 {
		return "neutral", 0.5
	}
	if pos == neg {
		return "neutral", 0.5
	}
	diff := math.Abs(float64(pos - neg))
	confidence := math.Min(0.5+diff/float64(total+2), 1.0)
	if pos > neg {
		return "positive", confidence
	}
	return "negative", confidence
}

var defaultToxicKeywords = []string{"idiot", "stupid", "hate you", "shut up", "kill yourself", "worthless"}

func toxicKeywordHits(text string, extra []string) []string {
	lower := strings.ToLower(text)
	keywords := defaultToxicKeywords
	if len(extra) > 0 {
		keywords = append(append([]string{}, defaultToxicKeywords...), extra...)
	}
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			hits = append(hits, kw)
		}
	}
	return hits
}

var (
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern      = regexp.MustCompile(`\b(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
)

// detectPII runs a regex battery for email, phone, SSN, and credit-card
// shapes, returning the distinct PII types found.
func detectPII(text string) []string {
	var types []string
	if emailPattern.MatchString(text) {
		types = append(types, "email")
	}
	if ssnPattern.MatchString(text) {
		types = append(types, "ssn")
	}
	if creditCardPattern.MatchString(text) {
		types = append(types, "credit_card")
	} else if phonePattern.MatchString(text) {
		types = append(types, "phone")
	}
	return types
}

func compareEqual(v gjson.Result, expected interface{}) bool {
	switch e := expected.(type) {
	case string:
		return v.String() == e
	case float64:
		return v.Num == e
	case bool:
		return v.Bool() == e
	default:
		return v.String() == fmt.Sprintf("%v", expected)
	}
}

func (e *Engine) record(r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, r)
	if len(e.log) > e.logCap {
		e.log = e.log[len(e.log)-e.logCap:]
	}
}

// RecentResults returns up to limit of the most recent evaluation
// results, newest last.
func (e *Engine) RecentResults(limit int) []Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.log) {
		limit = len(e.log)
	}
	start := len(e.log) - limit
	out := make([]Result, limit)
	copy(out, e.log[start:])
	return out
}
