package sequence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/heimdex/heimdex-compiler/internal/embedding"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

// Grouping methods.
const (
	MethodLocation = "location"
	MethodTemporal = "temporal"
	MethodVisual   = "visual"
	MethodHybrid   = "hybrid"
)

var ErrUnknownMethod = errors.New("unknown grouping method")

type Options struct {
	Window          time.Duration
	VisualThreshold float64
	MinShots        int
	MaxShots        int
	Method          string
}

func DefaultOptions() Options {
	return Options{
		Window:          5 * time.Minute,
		VisualThreshold: 0.7,
		MinShots:        2,
		MaxShots:        8,
		Method:          MethodHybrid,
	}
}

type Grouper struct {
	opts   Options
	logger *slog.Logger
}

// NewGrouper fills zero options with the defaults.
func NewGrouper(opts Options, logger *slog.Logger) *Grouper {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.VisualThreshold <= 0 {
		opts.VisualThreshold = def.VisualThreshold
	}
	if opts.MinShots <= 0 {
		opts.MinShots = def.MinShots
	}
	if opts.MaxShots < opts.MinShots {
		opts.MaxShots = def.MaxShots
		if opts.MaxShots < opts.MinShots {
			opts.MaxShots = opts.MinShots
		}
	}
	if opts.Method == "" {
		opts.Method = def.Method
	}
	return &Grouper{opts: opts, logger: logger}
}

func (g *Grouper) Options() Options { return g.opts }

// Group partitions the working set's candidates and context shots. An empty method uses the
// configured default.
func (g *Grouper) Group(ws *retrieval.WorkingSet, method string) (*Set, error) {
	if ws == nil {
		return g.GroupShots(nil, method)
	}
	return g.GroupShots(ws.Shots(), method)
}

// GroupShots partitions list. Every shot ends up in exactly one sequence.
func (g *Grouper) GroupShots(list []shots.Shot, method string) (*Set, error) {
	if method == "" {
		method = g.opts.Method
	}

	input := append([]shots.Shot(nil), list...)
	sort.SliceStable(input, func(i, j int) bool { return timeOrder(&input[i], &input[j]) })

	var clusters []cluster
	switch strings.ToLower(method) {
	case MethodLocation:
		clusters = g.byLocation(input, false)
	case MethodTemporal:
		clusters = g.temporal(input, false)
	case MethodVisual:
		clusters = g.visual(input, "seq")
	case MethodHybrid:
		clusters = g.byLocation(input, true)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	set := newSet(g.finalize(clusters))
	checkAccounting(input, set)

	if g.logger != nil {
		g.logger.Debug("shots grouped", "method", method, "shots", len(input), "sequences", set.Len())
	}
	return set, nil
}

type cluster struct {
	base   string
	signal string
	shots  []shots.Shot
}

// byLocation groups tagged shots by location slug. Untagged shots fall through to temporal
// clustering. In hybrid mode each location group is split temporally as well.
func (g *Grouper) byLocation(input []shots.Shot, hybrid bool) []cluster {
	var order []string
	groups := map[string][]shots.Shot{}
	var untagged []shots.Shot
	for _, s := range input {
		key := slug(s.Location)
		if key == "" {
			untagged = append(untagged, s)
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}

	var out []cluster
	for _, key := range order {
		if !hybrid {
			out = append(out, cluster{base: key, signal: SignalLocation, shots: groups[key]})
			continue
		}
		runs := g.temporalRuns(groups[key])
		for _, run := range runs {
			base := key
			if len(runs) > 1 {
				if label := timeLabel(run); label != "" {
					base = key + "_" + strings.TrimPrefix(label, "seq_")
				} else {
					base = ""
				}
			}
			out = append(out, g.refine(cluster{base: base, signal: SignalLocation, shots: run})...)
		}
	}
	return append(out, g.temporal(untagged, hybrid)...)
}

func (g *Grouper) temporal(list []shots.Shot, hybrid bool) []cluster {
	var out []cluster
	for _, run := range g.temporalRuns(list) {
		c := cluster{base: timeLabel(run), signal: SignalTemporal, shots: run}
		if hybrid {
			out = append(out, g.refine(c)...)
		} else {
			out = append(out, c)
		}
	}
	return out
}

// temporalRuns is single-pass clustering in timestamp order: a shot joins the current run when
// it lies within the window of the run's last member.
func (g *Grouper) temporalRuns(list []shots.Shot) [][]shots.Shot {
	var runs [][]shots.Shot
	var cur []shots.Shot
	for _, s := range list {
		if len(cur) > 0 && s.CapturedAt.Sub(cur[len(cur)-1].CapturedAt) > g.opts.Window {
			runs = append(runs, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

// refine splits an oversized cluster by visual similarity when every shot has a visual vector.
func (g *Grouper) refine(c cluster) []cluster {
	if len(c.shots) <= g.opts.MaxShots {
		return []cluster{c}
	}
	for _, s := range c.shots {
		if len(s.VisualEmbedding) == 0 {
			return []cluster{c}
		}
	}
	groups := g.visualGroups(c.shots)
	if len(groups) < 2 {
		return []cluster{c}
	}
	out := make([]cluster, len(groups))
	for i, grp := range groups {
		base := ""
		if c.base != "" {
			base = fmt.Sprintf("%s_v%d", c.base, i+1)
		}
		out[i] = cluster{base: base, signal: SignalVisual, shots: grp}
	}
	return out
}

func (g *Grouper) visual(list []shots.Shot, prefix string) []cluster {
	groups := g.visualGroups(list)
	out := make([]cluster, len(groups))
	for i, grp := range groups {
		out[i] = cluster{base: fmt.Sprintf("%s_v%d", prefix, i+1), signal: SignalVisual, shots: grp}
	}
	return out
}

// visualGroups joins each shot to the cluster holding its most similar member when that
// similarity exceeds the threshold. Shots without a vector stay singletons.
func (g *Grouper) visualGroups(list []shots.Shot) [][]shots.Shot {
	var groups [][]shots.Shot
	for _, s := range list {
		best, bestSim := -1, 0.0
		if len(s.VisualEmbedding) > 0 {
			for gi, grp := range groups {
				for _, m := range grp {
					if len(m.VisualEmbedding) != len(s.VisualEmbedding) {
						continue
					}
					sim := embedding.Cosine(s.VisualEmbedding, m.VisualEmbedding)
					if sim > g.opts.VisualThreshold && (best < 0 || sim > bestSim) {
						best, bestSim = gi, sim
					}
				}
			}
		}
		if best >= 0 {
			groups[best] = append(groups[best], s)
		} else {
			groups = append(groups, []shots.Shot{s})
		}
	}
	return groups
}

// finalize applies the size bounds and assigns unique names. Undersized clusters go to the
// miscellaneous sequence; oversized ones are split into balanced parts in timestamp order.
func (g *Grouper) finalize(clusters []cluster) []*Sequence {
	used := map[string]bool{MiscName: true}
	unique := func(name string) string {
		if !used[name] {
			used[name] = true
			return name
		}
		for i := 2; ; i++ {
			n := fmt.Sprintf("%s_%d", name, i)
			if !used[n] {
				used[n] = true
				return n
			}
		}
	}

	var out []*Sequence
	var misc []shots.Shot
	ordinal := 0
	for _, c := range clusters {
		if len(c.shots) < g.opts.MinShots {
			misc = append(misc, c.shots...)
			continue
		}
		ordinal++
		base := c.base
		if base == "" {
			base = fmt.Sprintf("seq_%d", ordinal)
		}
		parts := splitBalanced(c.shots, g.opts.MaxShots)
		for i, p := range parts {
			name := base
			if len(parts) > 1 {
				name = fmt.Sprintf("%s_part%d", base, i+1)
			}
			out = append(out, newSequence(unique(name), c.signal, p))
		}
	}

	if len(misc) > 0 {
		sort.SliceStable(misc, func(i, j int) bool { return timeOrder(&misc[i], &misc[j]) })
		out = append(out, newSequence(MiscName, SignalMisc, misc))
	}
	return out
}

func splitBalanced(list []shots.Shot, limit int) [][]shots.Shot {
	if limit <= 0 || len(list) <= limit {
		return [][]shots.Shot{list}
	}
	sorted := append([]shots.Shot(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool { return timeOrder(&sorted[i], &sorted[j]) })

	k := (len(sorted) + limit - 1) / limit
	size, extra := len(sorted)/k, len(sorted)%k
	parts := make([][]shots.Shot, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		n := size
		if i < extra {
			n++
		}
		parts = append(parts, sorted[start:start+n])
		start += n
	}
	return parts
}

// timeLabel names a run by its UTC capture range, e.g. seq_0905-0912. Runs without capture
// times get no label and fall back to an ordinal name.
func timeLabel(run []shots.Shot) string {
	if len(run) == 0 || run[0].CapturedAt.IsZero() {
		return ""
	}
	first := run[0].CapturedAt.UTC()
	last := run[len(run)-1].CapturedAt.UTC()
	return fmt.Sprintf("seq_%s-%s", first.Format("1504"), last.Format("1504"))
}

// slug lowercases a location tag and keeps letters, digits and underscores.
func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		case r == ' ' || r == '-' || r == '_':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func timeOrder(a, b *shots.Shot) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.Before(b.CapturedAt)
	}
	return a.ID < b.ID
}
