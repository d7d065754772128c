package tokens

import "testing"

func TestCapMaxTokens(t *testing.T) {
	tests := []struct {
		name           string
		requestedMax   int
		contextWindow  int
		estimatedInput int
		buffer         int
		want           int
	}{
		{"no context info", 1000, 0, 500, 100, 1000},
		{"requested fits under available", 1000, 200000, 1000, 1000, 1000},
		{"requested exceeds available, capped", 200000, 4096, 1000, 100, 2796},
		{"available floors at 100", 100000, 500, 10000, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CapMaxTokens(tt.requestedMax, tt.contextWindow, tt.estimatedInput, tt.buffer)
			if got != tt.want {
				t.Errorf("CapMaxTokens(%d,%d,%d,%d) = %d, want %d",
					tt.requestedMax, tt.contextWindow, tt.estimatedInput, tt.buffer, got, tt.want)
			}
		})
	}
}

func TestEstimatorFallbackWithoutEncoding(t *testing.T) {
	var e *Estimator
	if got := e.Count("hello world"); got != len("hello world")/4 {
		t.Errorf("nil estimator fallback = %d, want %d", got, len("hello world")/4)
	}

	bare := &Estimator{}
	if got := bare.Count("twelve chars"); got != len("twelve chars")/4 {
		t.Errorf("empty estimator fallback = %d, want %d", got, len("twelve chars")/4)
	}
}
