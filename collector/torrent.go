package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"homewatch/cache"
	"homewatch/models"
)

const (
	torrentStateStalled     = "stalledDL"
	torrentStateDownloading = "downloading"
	torrentStateQueued      = "queuedDL"

	seenCompleteKey = "seen-complete"
)

// Torrent is one entry from the torrent daemon. Progress is a
// fraction in [0, 1].
type Torrent struct {
	Hash          string
	Name          string
	State         string
	Progress      float64
	AmountLeft    int64
	DownloadSpeed float64
}

func (t Torrent) Complete() bool {
	return t.AmountLeft == 0 || t.Progress >= 0.9999
}

// TorrentLister is the torrent-daemon collaborator.
type TorrentLister interface {
	ListTorrents(ctx context.Context) ([]Torrent, error)
}

// TorrentProvider derives the torrent metric family from one daemon
// snapshot: stalled and zero-speed levels plus the completed event.
// Completion detection is edge-triggered against the previous cycle's
// seen-complete map; the very first cycle seeds that map without
// emitting events so already-finished torrents stay silent.
type TorrentProvider struct {
	logger lager.Logger
	lister TorrentLister
	seen   *cache.Cache[map[string]bool]
}

func NewTorrentProvider(logger lager.Logger, lister TorrentLister, seen *cache.Cache[map[string]bool]) *TorrentProvider {
	return &TorrentProvider{
		logger: logger.Session("TorrentProvider"),
		lister: lister,
		seen:   seen,
	}
}

func (p *TorrentProvider) Name() string           { return "torrent" }
func (p *TorrentProvider) Timeout() time.Duration { return defaultProbeTimeout }

func (p *TorrentProvider) Probe(ctx context.Context) (map[string]models.MetricValue, error) {
	torrents, err := p.lister.ListTorrents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list torrents: %w", err)
	}

	var stalledNames, zeroSpeedNames []string
	currentSeen := make(map[string]bool, len(torrents))
	for _, t := range torrents {
		if t.Hash == "" {
			continue
		}
		complete := t.Complete()
		currentSeen[t.Hash] = complete
		if complete || t.Name == "" {
			continue
		}
		if t.State == torrentStateStalled {
			stalledNames = append(stalledNames, t.Name)
		}
		switch t.State {
		case torrentStateDownloading, torrentStateStalled, torrentStateQueued:
			if t.DownloadSpeed <= 0 {
				zeroSpeedNames = append(zeroSpeedNames, t.Name)
			}
		}
	}

	var completedNames []string
	previousSeen, ok := p.seen.Get(seenCompleteKey)
	if !ok {
		p.logger.Debug("seeding-completion-state", lager.Data{"torrents": len(currentSeen)})
	} else {
		for _, t := range torrents {
			if t.Hash == "" || t.Name == "" {
				continue
			}
			if currentSeen[t.Hash] && !previousSeen[t.Hash] {
				completedNames = append(completedNames, t.Name)
			}
		}
	}
	p.seen.Put(seenCompleteKey, currentSeen)

	return map[string]models.MetricValue{
		models.MetricTorrentStalled:   models.BoolValue(len(stalledNames) > 0, FormatNameList(stalledNames, 3)),
		models.MetricTorrentZeroSpeed: models.BoolValue(len(zeroSpeedNames) > 0, FormatNameList(zeroSpeedNames, 3)),
		models.MetricTorrentComplete:  models.EventValue(len(completedNames) > 0, FormatNameList(completedNames, 3)),
	}, nil
}

// FormatNameList renders up to limit names, with a "+N more" tail.
func FormatNameList(names []string, limit int) string {
	if len(names) == 0 {
		return "none"
	}
	if len(names) <= limit {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s +%d more", strings.Join(names[:limit], ", "), len(names)-limit)
}
