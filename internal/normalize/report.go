package normalize

import "github.com/rs/zerolog"

// Report counts what the pipeline changed, summed over every pass.
type Report struct {
	EntitiesDecoded    int
	ScriptsRemoved     int
	ElementsRemoved    int
	HandlersRemoved    int
	URLsNeutralized    int
	IframesBlocked     int
	FiguresTagged      int
	VideosHardened     int
	LinksHardened      int
	TablesWrapped      int
	ParagraphsRepaired int

	Passes       int
	FallbackUsed bool
	Failures     []string
}

// Changed reports whether any step modified the input.
func (r Report) Changed() bool {
	return r.EntitiesDecoded+r.ScriptsRemoved+r.ElementsRemoved+r.HandlersRemoved+
		r.URLsNeutralized+r.IframesBlocked+r.FiguresTagged+r.VideosHardened+
		r.LinksHardened+r.TablesWrapped+r.ParagraphsRepaired > 0 || r.FallbackUsed
}

// Counts lists the step counters in pipeline order.
func (r Report) Counts() []Count {
	return []Count{
		{"entities decoded", r.EntitiesDecoded},
		{"scripts removed", r.ScriptsRemoved},
		{"elements removed", r.ElementsRemoved},
		{"handlers removed", r.HandlersRemoved},
		{"urls neutralized", r.URLsNeutralized},
		{"iframes blocked", r.IframesBlocked},
		{"figures tagged", r.FiguresTagged},
		{"videos hardened", r.VideosHardened},
		{"links hardened", r.LinksHardened},
		{"tables wrapped", r.TablesWrapped},
		{"paragraphs repaired", r.ParagraphsRepaired},
	}
}

type Count struct {
	Name  string
	Value int
}

func (r Report) MarshalZerologObject(e *zerolog.Event) {
	for _, c := range r.Counts() {
		if c.Value > 0 {
			e.Int(c.Name, c.Value)
		}
	}
	e.Int("passes", r.Passes).Bool("fallback", r.FallbackUsed)
}
