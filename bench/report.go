package bench

import (
	"fmt"
	"io"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// Report collects the runs of one Sweep.
type Report struct {
	Records   int       `json:"records"`
	StartedAt time.Time `json:"started_at"`
	Runs      []Result  `json:"runs"`
}

// JSON encodes the report.
func (r *Report) JSON() ([]byte, error) {
	return sonnet.Marshal(r)
}

// ParseReport decodes a report produced by JSON.
func ParseReport(data []byte) (*Report, error) {
	r := &Report{}
	if err := sonnet.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// WriteText prints one line per run.
func (r *Report) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%d records\n", r.Records); err != nil {
		return err
	}
	for _, res := range r.Runs {
		_, err := fmt.Fprintf(w, "%-10s workers=%-3d time in sec: %.6f  ops/s: %.0f\n",
			res.Name, res.Workers, res.Elapsed.Seconds(), res.OpsPerSecond())
		if err != nil {
			return err
		}
	}
	return nil
}
