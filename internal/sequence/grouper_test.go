package sequence

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

var day = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func shotAt(id int64, offset time.Duration) shots.Shot {
	return shots.Shot{
		ID:         id,
		StoryID:    "story",
		DurationMs: 4000,
		ShotType:   shots.TypeBRoll,
		CapturedAt: day.Add(offset),
	}
}

func assertConserved(t *testing.T, input []shots.Shot, set *Set) {
	t.Helper()
	if set.ShotCount() != len(input) {
		t.Fatalf("ShotCount() = %d, want %d", set.ShotCount(), len(input))
	}
	for _, s := range input {
		if _, ok := set.Find(s.ID); !ok {
			t.Fatalf("shot %d missing from every sequence", s.ID)
		}
	}
}

func TestGroup_TemporalTwoClusters(t *testing.T) {
	var input []shots.Shot
	for i := 0; i < 6; i++ {
		input = append(input, shotAt(int64(i+1), time.Duration(2*i)*time.Minute))
	}
	for i := 0; i < 6; i++ {
		input = append(input, shotAt(int64(i+7), time.Hour+time.Duration(2*i)*time.Minute))
	}
	rand.New(rand.NewSource(3)).Shuffle(len(input), func(i, j int) { input[i], input[j] = input[j], input[i] })

	g := NewGrouper(Options{Window: 5 * time.Minute}, nil)
	set, err := g.GroupShots(input, MethodTemporal)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("sequences = %v, want 2", set.Names())
	}
	want := []string{"seq_0900-0910", "seq_1000-1010"}
	if !reflect.DeepEqual(set.Names(), want) {
		t.Errorf("Names() = %v, want %v", set.Names(), want)
	}
	first, _ := set.Get(want[0])
	if !reflect.DeepEqual(first.IDs(), []int64{1, 2, 3, 4, 5, 6}) {
		t.Errorf("%s ids = %v, want 1..6", want[0], first.IDs())
	}
	second, _ := set.Get(want[1])
	if !reflect.DeepEqual(second.IDs(), []int64{7, 8, 9, 10, 11, 12}) {
		t.Errorf("%s ids = %v, want 7..12", want[1], second.IDs())
	}
	assertConserved(t, input, set)
}

func TestGroup_WindowMeasuredFromLastMember(t *testing.T) {
	// each gap is 4 minutes, so the chain stays one cluster though it spans 16 minutes
	var input []shots.Shot
	for i := 0; i < 5; i++ {
		input = append(input, shotAt(int64(i+1), time.Duration(4*i)*time.Minute))
	}
	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodTemporal)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	if set.Len() != 1 || set.Names()[0] != "seq_0900-0916" {
		t.Errorf("Names() = %v, want [seq_0900-0916]", set.Names())
	}
}

func TestGroup_OversizedClusterSplitsBalanced(t *testing.T) {
	var input []shots.Shot
	for i := 0; i < 10; i++ {
		input = append(input, shotAt(int64(i+1), time.Duration(2*i)*time.Minute))
	}
	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodTemporal)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	want := []string{"seq_0900-0918_part1", "seq_0900-0918_part2"}
	if !reflect.DeepEqual(set.Names(), want) {
		t.Fatalf("Names() = %v, want %v", set.Names(), want)
	}
	p1, _ := set.Get(want[0])
	p2, _ := set.Get(want[1])
	if !reflect.DeepEqual(p1.IDs(), []int64{1, 2, 3, 4, 5}) || !reflect.DeepEqual(p2.IDs(), []int64{6, 7, 8, 9, 10}) {
		t.Errorf("parts = %v / %v, want timestamp-ordered halves", p1.IDs(), p2.IDs())
	}
	assertConserved(t, input, set)
}

func TestGroup_UndersizedGoToMiscellaneous(t *testing.T) {
	input := []shots.Shot{
		shotAt(1, 0),
		shotAt(2, time.Minute),
		shotAt(3, time.Hour),
		shotAt(4, 3*time.Hour),
	}
	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodTemporal)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	if want := []string{"seq_0900-0901", MiscName}; !reflect.DeepEqual(set.Names(), want) {
		t.Fatalf("Names() = %v, want %v", set.Names(), want)
	}
	misc, _ := set.Get(MiscName)
	if !reflect.DeepEqual(misc.IDs(), []int64{3, 4}) || misc.Signal != SignalMisc {
		t.Errorf("misc = %v (%s), want [3 4]", misc.IDs(), misc.Signal)
	}
	assertConserved(t, input, set)
}

func TestGroup_LocationFallsThroughToTemporal(t *testing.T) {
	input := []shots.Shot{
		shotAt(1, 0), shotAt(2, time.Minute), shotAt(3, 2*time.Minute),
		shotAt(4, 30*time.Minute), shotAt(5, 31*time.Minute),
		shotAt(6, 2*time.Hour), shotAt(7, 2*time.Hour+time.Minute),
	}
	for _, i := range []int{0, 1, 2} {
		input[i].Location = "City Hall"
	}
	input[3].Location = "Harbor-Front "
	input[4].Location = "harbor front"

	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodLocation)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	want := []string{"city_hall", "harbor_front", "seq_1100-1101"}
	if !reflect.DeepEqual(set.Names(), want) {
		t.Errorf("Names() = %v, want %v", set.Names(), want)
	}
	hall, _ := set.Get("city_hall")
	if hall.Signal != SignalLocation || len(hall.Shots) != 3 {
		t.Errorf("city_hall = %+v", hall)
	}
	assertConserved(t, input, set)
}

func TestGroup_HybridVisualRefinement(t *testing.T) {
	var input []shots.Shot
	for i := 0; i < 10; i++ {
		s := shotAt(int64(i+1), time.Duration(i)*time.Minute)
		if i%2 == 0 {
			s.VisualEmbedding = []float32{1, 0.05 * float32(i), 0}
		} else {
			s.VisualEmbedding = []float32{0, 1, 0.05 * float32(i)}
		}
		input = append(input, s)
	}

	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodHybrid)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	want := []string{"seq_0900-0909_v1", "seq_0900-0909_v2"}
	if !reflect.DeepEqual(set.Names(), want) {
		t.Fatalf("Names() = %v, want %v", set.Names(), want)
	}
	v1, _ := set.Get(want[0])
	if !reflect.DeepEqual(v1.IDs(), []int64{1, 3, 5, 7, 9}) || v1.Signal != SignalVisual {
		t.Errorf("v1 = %v (%s), want odd ids", v1.IDs(), v1.Signal)
	}
	assertConserved(t, input, set)
}

func TestGroup_HybridSkipsVisualWithoutVectors(t *testing.T) {
	var input []shots.Shot
	for i := 0; i < 10; i++ {
		s := shotAt(int64(i+1), time.Duration(i)*time.Minute)
		if i != 4 {
			s.VisualEmbedding = []float32{float32(i % 2), float32((i + 1) % 2)}
		}
		input = append(input, s)
	}
	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodHybrid)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	for _, seq := range set.Sequences() {
		if seq.Signal == SignalVisual {
			t.Errorf("sequence %s refined visually although shot 5 has no vector", seq.Name)
		}
	}
	if set.Len() != 2 {
		t.Errorf("Names() = %v, want two balanced parts", set.Names())
	}
}

func TestGroup_VisualSingletonsToMisc(t *testing.T) {
	input := []shots.Shot{shotAt(1, 0), shotAt(2, time.Minute), shotAt(3, 2*time.Minute)}
	input[0].VisualEmbedding = []float32{1, 0}
	input[1].VisualEmbedding = []float32{0.95, 0.1}

	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodVisual)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	if want := []string{"seq_v1", MiscName}; !reflect.DeepEqual(set.Names(), want) {
		t.Errorf("Names() = %v, want %v", set.Names(), want)
	}
	assertConserved(t, input, set)
}

func TestGroup_NameCollisionsAcrossDays(t *testing.T) {
	input := []shots.Shot{
		shotAt(1, 0), shotAt(2, 4*time.Minute),
		shotAt(3, 24*time.Hour), shotAt(4, 24*time.Hour+4*time.Minute),
	}
	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodTemporal)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	if want := []string{"seq_0900-0904", "seq_0900-0904_2"}; !reflect.DeepEqual(set.Names(), want) {
		t.Errorf("Names() = %v, want %v", set.Names(), want)
	}
}

func TestGroup_OrdinalNamesWithoutCaptureTimes(t *testing.T) {
	input := []shots.Shot{{ID: 1, DurationMs: 1000}, {ID: 2, DurationMs: 1000}}
	set, err := NewGrouper(DefaultOptions(), nil).GroupShots(input, MethodTemporal)
	if err != nil {
		t.Fatalf("GroupShots() error = %v", err)
	}
	if want := []string{"seq_1"}; !reflect.DeepEqual(set.Names(), want) {
		t.Errorf("Names() = %v, want %v", set.Names(), want)
	}
}

func TestGroup_UnknownMethod(t *testing.T) {
	_, err := NewGrouper(DefaultOptions(), nil).GroupShots(nil, "semantic")
	if !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("error = %v, want ErrUnknownMethod", err)
	}
}

func TestGroup_EmptyInput(t *testing.T) {
	set, err := NewGrouper(DefaultOptions(), nil).Group(&retrieval.WorkingSet{}, "")
	if err != nil {
		t.Fatalf("Group() error = %v", err)
	}
	if set.Len() != 0 {
		t.Errorf("Len() = %d, want 0", set.Len())
	}
}

func TestGroup_ConservationRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	locations := []string{"", "", "Court House", "river bank", "Studio"}
	methods := []string{MethodLocation, MethodTemporal, MethodVisual, MethodHybrid}
	g := NewGrouper(DefaultOptions(), nil)

	for round := 0; round < 60; round++ {
		n := rng.Intn(40)
		input := make([]shots.Shot, n)
		for i := range input {
			s := shotAt(int64(i+1), time.Duration(rng.Intn(180))*time.Minute)
			s.Location = locations[rng.Intn(len(locations))]
			if rng.Intn(3) > 0 {
				s.VisualEmbedding = []float32{rng.Float32(), rng.Float32(), rng.Float32()}
			}
			input[i] = s
		}

		for _, method := range methods {
			set, err := g.GroupShots(input, method)
			if err != nil {
				t.Fatalf("round %d %s: error = %v", round, method, err)
			}
			assertConserved(t, input, set)
			for _, seq := range set.Sequences() {
				if seq.Name == MiscName {
					continue
				}
				if len(seq.Shots) < 2 || len(seq.Shots) > 8 {
					t.Fatalf("round %d %s: sequence %s has %d shots", round, method, seq.Name, len(seq.Shots))
				}
			}

			again, _ := g.GroupShots(input, method)
			if !reflect.DeepEqual(set.Names(), again.Names()) {
				t.Fatalf("round %d %s: names not stable: %v vs %v", round, method, set.Names(), again.Names())
			}
		}
	}
}

func TestCheckAccounting_Panics(t *testing.T) {
	input := []shots.Shot{shotAt(1, 0), shotAt(2, 0), shotAt(3, 0)}
	broken := newSet([]*Sequence{newSequence("a", SignalTemporal, []shots.Shot{input[0], input[0], {ID: 9}})})

	defer func() {
		r := recover()
		v, ok := r.(*AccountingViolation)
		if !ok {
			t.Fatalf("recover() = %v, want *AccountingViolation", r)
		}
		if !reflect.DeepEqual(v.Missing, []int64{2, 3}) || !reflect.DeepEqual(v.Duplicated, []int64{1}) ||
			!reflect.DeepEqual(v.Unexpected, []int64{9}) {
			t.Errorf("violation = %+v", v)
		}
		if !strings.Contains(v.Error(), "missing [2 3]") {
			t.Errorf("Error() = %q", v.Error())
		}
	}()
	checkAccounting(input, broken)
}

func TestSequenceMetadataAndSummary(t *testing.T) {
	list := []shots.Shot{shotAt(1, 0), shotAt(2, 3*time.Minute), shotAt(3, 6*time.Minute)}
	list[0].ShotType = shots.TypeSOT
	list[1].ShotType = "wide"
	list[2].ShotType = shots.TypeWide

	seq := newSequence("hall", SignalLocation, list)
	if seq.Duration != 12*time.Second {
		t.Errorf("Duration = %v, want 12s", seq.Duration)
	}
	if seq.Span() != 6*time.Minute {
		t.Errorf("Span() = %v, want 6m", seq.Span())
	}
	if seq.DominantType != shots.TypeWide || !seq.HasInterview {
		t.Errorf("DominantType = %s HasInterview = %v", seq.DominantType, seq.HasInterview)
	}

	out := Summarize(newSet([]*Sequence{seq}))
	for _, want := range []string{"Total Sequences: 1", "### hall", "- Shots: 3", "SOT=1, WIDE=2", "Has Interview: Yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("Summarize() missing %q:\n%s", want, out)
		}
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Parliament Exterior": "parliament_exterior",
		" harbor-front ":      "harbor_front",
		"St. Mary's":          "st_marys",
		"":                    "",
		"--":                  "",
	}
	for in, want := range tests {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
