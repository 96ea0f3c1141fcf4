package collectors

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a2bit/jobtracker/internal/collector"
	"github.com/a2bit/jobtracker/internal/collectors/careerspage"
	"github.com/a2bit/jobtracker/internal/collectors/hiringcafe"
	"github.com/a2bit/jobtracker/internal/policy/ratelimit"
)

func TestBind(t *testing.T) {
	t.Parallel()

	opts := Options{Source: "src", Limiter: ratelimit.New(ratelimit.Config{RPS: 1, Burst: 1})}

	hc, err := Bind(collector.KindHiringCafe, opts)
	require.NoError(t, err)
	require.IsType(t, &hiringcafe.Collector{}, hc)

	cp, err := Bind(collector.KindCareersPage, opts)
	require.NoError(t, err)
	require.IsType(t, &careerspage.Collector{}, cp)

	_, err = Bind("ftp", opts)
	require.ErrorContains(t, err, `no collector for kind "ftp"`)
}
