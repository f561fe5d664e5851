package capability

import "testing"

func env(kv map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestRecommend_Tiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		profile  Profile
		model    string
		chunk    int
		vad      bool
		device   string
		fallback string
	}{
		{"cuda 32GB", Profile{RAMGB: 32, HasCUDA: true}, "small.en", 2, false, "cuda", "base.en"},
		{"mps 16GB", Profile{RAMGB: 16, HasMPS: true}, "small.en", 2, false, "metal", "base.en"},
		{"cpu 16GB", Profile{RAMGB: 16}, "base.en", 2, false, "cpu", "tiny.en"},
		{"cpu 8GB", Profile{RAMGB: 8}, "base.en", 2, false, "cpu", "tiny.en"},
		{"cpu 4GB", Profile{RAMGB: 4}, "tiny.en", 4, true, "cpu", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := Recommend(tt.profile, nil)
			if r.Model != tt.model || r.ChunkSeconds != tt.chunk || r.VADEnabled != tt.vad || r.Device != tt.device {
				t.Errorf("Recommend = %+v, want model=%s chunk=%d vad=%v device=%s", r, tt.model, tt.chunk, tt.vad, tt.device)
			}
			if r.Provider != ProviderNative {
				t.Errorf("Provider = %q, want %q", r.Provider, ProviderNative)
			}
			switch {
			case tt.fallback == "" && r.Fallback != nil:
				t.Errorf("Fallback = %+v, want nil", r.Fallback)
			case tt.fallback != "" && (r.Fallback == nil || r.Fallback.Model != tt.fallback):
				t.Errorf("Fallback = %+v, want %s", r.Fallback, tt.fallback)
			}
			if r.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestRecommend_EnvWins(t *testing.T) {
	t.Parallel()
	r := Recommend(Profile{RAMGB: 4}, env(map[string]string{
		EnvProvider: "openai",
		EnvModel:    "medium.en",
	}))
	if r.Provider != "openai" || r.Model != "medium.en" {
		t.Errorf("Recommend = %s/%s, want openai/medium.en", r.Provider, r.Model)
	}
	if r.Fallback == nil || r.Fallback.Model != "small.en" {
		t.Errorf("Fallback = %+v, want small.en", r.Fallback)
	}
}

func TestRecommend_LargeStreamingGate(t *testing.T) {
	t.Parallel()
	big := Profile{RAMGB: 64, HasCUDA: true}

	if r := Recommend(big, nil); r.Provider == ProviderStreaming {
		t.Error("large streaming engine selected without opt-in")
	}
	r := Recommend(big, env(map[string]string{EnvAutoSelectLarge: "1"}))
	if r.Provider != ProviderStreaming {
		t.Errorf("Provider = %q, want %q", r.Provider, ProviderStreaming)
	}
	small := Profile{RAMGB: 16, HasCUDA: true}
	if r := Recommend(small, env(map[string]string{EnvAutoSelectLarge: "1"})); r.Provider == ProviderStreaming {
		t.Error("large streaming engine selected on a 16 GB host")
	}
}

func TestDetectCUDA(t *testing.T) {
	t.Parallel()
	no := func(string) bool { return false }
	yes := func(string) bool { return true }

	tests := []struct {
		name   string
		env    map[string]string
		exists func(string) bool
		path   func(string) bool
		want   bool
	}{
		{"nothing", nil, no, no, false},
		{"visible devices", map[string]string{"CUDA_VISIBLE_DEVICES": "0"}, no, no, true},
		{"devices disabled", map[string]string{"CUDA_VISIBLE_DEVICES": "-1"}, no, no, false},
		{"device node", nil, yes, no, true},
		{"nvidia-smi", nil, no, yes, true},
	}
	for _, tt := range tests {
		if got := detectCUDA(env(tt.env), tt.exists, tt.path); got != tt.want {
			t.Errorf("%s: detectCUDA = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEnvReport_MasksSecrets(t *testing.T) {
	t.Parallel()
	got := EnvReport(
		[]string{"ECHOPANEL_WS_AUTH_TOKEN", "ECHOPANEL_ASR_PROVIDER", "ECHOPANEL_DEBUG"},
		env(map[string]string{"ECHOPANEL_WS_AUTH_TOKEN": "secret", "ECHOPANEL_ASR_PROVIDER": "openai"}),
	)
	if got["ECHOPANEL_WS_AUTH_TOKEN"] != "***" {
		t.Errorf("token = %q, want masked", got["ECHOPANEL_WS_AUTH_TOKEN"])
	}
	if got["ECHOPANEL_ASR_PROVIDER"] != "openai" {
		t.Errorf("provider = %q, want openai", got["ECHOPANEL_ASR_PROVIDER"])
	}
	if _, ok := got["ECHOPANEL_DEBUG"]; ok {
		t.Error("unset variable reported")
	}
}

func TestDetect(t *testing.T) {
	t.Parallel()
	p := Detect()
	if p.CPUCores < 1 || p.OS == "" || p.Arch == "" {
		t.Errorf("Detect = %+v", p)
	}
}
