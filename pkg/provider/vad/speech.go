package vad

import "sync"

// SpeechWindow runs every whole frame of pcm through sess and reports whether
// the chunk contains a speech run of at least minSpeechMs. The session is
// reset first so chunks are judged independently. A trailing partial frame
// is ignored.
func SpeechWindow(sess SessionHandle, pcm []byte, cfg Config, minSpeechMs int) (bool, error) {
	sess.Reset()
	frameBytes := cfg.FrameBytes()
	if frameBytes <= 0 {
		return true, nil
	}
	run := 0
	for off := 0; off+frameBytes <= len(pcm); off += frameBytes {
		ev, err := sess.ProcessFrame(pcm[off : off+frameBytes])
		if err != nil {
			return false, err
		}
		if ev.Type.IsSpeech() {
			run += cfg.FrameSizeMs
			if run >= minSpeechMs {
				return true, nil
			}
			continue
		}
		run = 0
	}
	return false, nil
}

// Lazy loads an Engine on first use and caches the result, including a load
// error, for the life of the process.
type Lazy struct {
	once   sync.Once
	load   func() (Engine, error)
	engine Engine
	err    error
}

// NewLazy returns a Lazy that calls load at most once.
func NewLazy(load func() (Engine, error)) *Lazy {
	return &Lazy{load: load}
}

// Get returns the loaded engine or the error from loading it.
func (l *Lazy) Get() (Engine, error) {
	l.once.Do(func() {
		l.engine, l.err = l.load()
	})
	return l.engine, l.err
}

// Default is the process-wide detector used when no other engine is
// configured.
var Default = NewLazy(func() (Engine, error) {
	return &EnergyEngine{}, nil
})
