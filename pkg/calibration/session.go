package calibration

// Session runs one [Generator] and one [Analyzer] over the same [Plan].
// Generate is driven by the output callback and Capture by the input
// callback. The session completes once the generator has rendered the whole
// plan; its result is then fixed until the next [Session.Start].
//
// Session does not lock; the owner serialises access.
type Session struct {
	plan *Plan
	gen  *Generator
	an   *Analyzer

	running  bool
	complete bool
	result   Values
}

// NewSession builds a session around plan.
func NewSession(plan *Plan) *Session {
	return &Session{
		plan:   plan,
		gen:    NewGenerator(plan),
		an:     NewAnalyzer(plan),
		result: IdentityValues(),
	}
}

// Plan returns the stimulus shared by the generator and analyzer.
func (s *Session) Plan() *Plan { return s.plan }

// Start rewinds generator and analyzer and arms the session. Starting a
// running session discards the run in progress.
func (s *Session) Start() {
	s.gen.Reset()
	s.an.Reset()
	s.running = true
	s.complete = false
}

// Generate writes the next stimulus frames, or silence when not running.
func (s *Session) Generate(out []float32, channels int) {
	if !s.running {
		clear(out)
		return
	}
	s.gen.Generate(out, channels)
}

// Capture feeds recorded frames to the analyzer and finalises the run once
// the generator has finished.
func (s *Session) Capture(in []float32, channels int) {
	if !s.running {
		return
	}
	s.an.Ingest(in, channels)
	if s.gen.Finished() {
		s.running = false
		s.complete = true
		s.result = s.an.Finalize()
	}
}

// Running reports whether a run is in progress.
func (s *Session) Running() bool { return s.running }

// Complete reports whether the last run finished.
func (s *Session) Complete() bool { return s.complete }

// Result returns the values of the last completed run, or identity values.
func (s *Session) Result() Values { return s.result }

// Progress returns the rendered fraction of the plan in [0, 1].
func (s *Session) Progress() float32 {
	if s.complete {
		return 1
	}
	total := s.plan.TotalSamples()
	if total == 0 {
		return 0
	}
	return min(1, float32(s.gen.Cursor())/float32(total))
}
