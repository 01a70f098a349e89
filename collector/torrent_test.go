package collector_test

import (
	"context"
	"errors"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3/lagertest"

	"homewatch/cache"
	"homewatch/collector"
	"homewatch/models"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeLister struct {
	torrents []collector.Torrent
	err      error
}

func (l *fakeLister) ListTorrents(_ context.Context) ([]collector.Torrent, error) {
	return l.torrents, l.err
}

var _ = Describe("TorrentProvider", func() {
	var (
		logger   *lagertest.TestLogger
		fclock   *fakeclock.FakeClock
		seen     *cache.Cache[map[string]bool]
		lister   *fakeLister
		provider *collector.TorrentProvider
	)

	probe := func() map[string]models.MetricValue {
		values, err := provider.Probe(context.Background())
		Expect(err).NotTo(HaveOccurred())
		return values
	}

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("torrent")
		fclock = fakeclock.NewFakeClock(time.Now())
		seen = cache.New[map[string]bool]("torrent-seen", time.Hour, 1, fclock)
		lister = &fakeLister{}
		provider = collector.NewTorrentProvider(logger, lister, seen)
	})

	It("derives stalled and zero-speed levels from incomplete torrents", func() {
		lister.torrents = []collector.Torrent{
			{Hash: "h1", Name: "stuck", State: "stalledDL", Progress: 0.4, AmountLeft: 100},
			{Hash: "h2", Name: "crawling", State: "downloading", Progress: 0.2, AmountLeft: 100, DownloadSpeed: 0},
			{Hash: "h3", Name: "healthy", State: "downloading", Progress: 0.5, AmountLeft: 100, DownloadSpeed: 2048},
		}

		values := probe()
		Expect(*values[models.MetricTorrentStalled].Bool).To(BeTrue())
		Expect(values[models.MetricTorrentStalled].Display).To(Equal("stuck"))
		Expect(*values[models.MetricTorrentZeroSpeed].Bool).To(BeTrue())
		Expect(values[models.MetricTorrentZeroSpeed].Display).To(Equal("stuck, crawling"))
	})

	It("ignores complete torrents for stalled/zero-speed", func() {
		lister.torrents = []collector.Torrent{
			{Hash: "h1", Name: "done", State: "stalledDL", Progress: 1.0, AmountLeft: 0},
		}

		values := probe()
		Expect(*values[models.MetricTorrentStalled].Bool).To(BeFalse())
		Expect(values[models.MetricTorrentStalled].Display).To(Equal("none"))
	})

	Describe("completion events", func() {
		It("seeds on the first cycle without emitting events", func() {
			lister.torrents = []collector.Torrent{
				{Hash: "hx", Name: "already-done", Progress: 1.0, AmountLeft: 0},
			}

			values := probe()
			Expect(*values[models.MetricTorrentComplete].Bool).To(BeFalse())
			Expect(values[models.MetricTorrentComplete].IsEvent).To(BeTrue())
		})

		It("fires once for a torrent that completes after seeding", func() {
			lister.torrents = []collector.Torrent{
				{Hash: "hx", Name: "already-done", Progress: 1.0, AmountLeft: 0},
				{Hash: "hy", Name: "in-progress", State: "downloading", Progress: 0.5, AmountLeft: 100, DownloadSpeed: 100},
			}
			probe()

			lister.torrents = []collector.Torrent{
				{Hash: "hx", Name: "already-done", Progress: 1.0, AmountLeft: 0},
				{Hash: "hy", Name: "in-progress", Progress: 1.0, AmountLeft: 0},
			}
			values := probe()
			Expect(*values[models.MetricTorrentComplete].Bool).To(BeTrue())
			Expect(values[models.MetricTorrentComplete].Display).To(Equal("in-progress"))

			// steady state afterwards: no re-fire
			values = probe()
			Expect(*values[models.MetricTorrentComplete].Bool).To(BeFalse())
		})

		It("does not fire for a torrent first observed complete after a cache lapse", func() {
			lister.torrents = []collector.Torrent{
				{Hash: "hx", Name: "mid", State: "downloading", Progress: 0.5, AmountLeft: 100, DownloadSpeed: 100},
			}
			probe()

			// seen map expires while polling is paused; the torrent
			// finishes in the meantime
			fclock.Increment(2 * time.Hour)
			lister.torrents = []collector.Torrent{
				{Hash: "hx", Name: "mid", Progress: 1.0, AmountLeft: 0},
			}
			values := probe()
			Expect(*values[models.MetricTorrentComplete].Bool).To(BeFalse())
		})
	})

	It("fails the probe when the daemon is unreachable", func() {
		lister.err = errors.New("connection refused")
		_, err := provider.Probe(context.Background())
		Expect(err).To(MatchError(ContainSubstring("list torrents")))
	})
})
