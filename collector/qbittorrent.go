package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
)

// QBittorrentLister lists torrents through the qBittorrent Web API.
// The session cookie is obtained lazily and refreshed once whenever the
// daemon answers 403.
type QBittorrentLister struct {
	logger   lager.Logger
	client   *http.Client
	url      string
	username string
	password string

	lock     sync.Mutex
	loggedIn bool
}

func NewQBittorrentLister(logger lager.Logger, apiURL, username, password string, timeout time.Duration) (*QBittorrentLister, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &QBittorrentLister{
		logger:   logger.Session("QBittorrentLister"),
		client:   &http.Client{Jar: jar, Timeout: timeout},
		url:      strings.TrimRight(apiURL, "/"),
		username: username,
		password: password,
	}, nil
}

type qbtTorrent struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"`
	AmountLeft int64   `json:"amount_left"`
	Dlspeed    float64 `json:"dlspeed"`
}

func (l *QBittorrentLister) ListTorrents(ctx context.Context) ([]Torrent, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if !l.loggedIn {
		if err := l.login(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := l.list(ctx)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		l.loggedIn = false
		if err = l.login(ctx); err != nil {
			return nil, err
		}
		if resp, err = l.list(ctx); err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list torrents: unexpected status %d", resp.StatusCode)
	}
	var entries []qbtTorrent
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode torrent list: %w", err)
	}

	torrents := make([]Torrent, 0, len(entries))
	for _, e := range entries {
		torrents = append(torrents, Torrent{
			Hash:          e.Hash,
			Name:          e.Name,
			State:         e.State,
			Progress:      e.Progress,
			AmountLeft:    e.AmountLeft,
			DownloadSpeed: e.Dlspeed,
		})
	}
	return torrents, nil
}

func (l *QBittorrentLister) list(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url+"/api/v2/torrents/info", nil)
	if err != nil {
		return nil, err
	}
	return l.client.Do(req)
}

func (l *QBittorrentLister) login(ctx context.Context) error {
	form := url.Values{
		"username": {l.username},
		"password": {l.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qbittorrent login: unexpected status %d", resp.StatusCode)
	}
	l.loggedIn = true
	l.logger.Debug("logged-in", lager.Data{"url": l.url})
	return nil
}
