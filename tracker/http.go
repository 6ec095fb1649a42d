package tracker

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/stavrakis/seabit/bencode"
)

//HTTPTracker speaks the original HTTP(S) announce protocol.
type HTTPTracker struct {
	url string
	//http.Client to use; nil means http.DefaultClient. Lets callers attach
	//cookie jars for private trackers.
	Client *http.Client
}

func (t *HTTPTracker) URL() string { return t.url }

type httpAnnounceResponse struct {
	Fail     string `bencode:"failure reason" empty:"omit"`
	Warning  string `bencode:"warning message" empty:"omit"`
	Interval int32  `bencode:"interval"`
	Complete int32  `bencode:"complete" empty:"omit"`
	//compact model: raw 6-byte records; dictionary model: list of dicts.
	//Decoded generically and converted after.
	Incomplete int32       `bencode:"incomplete" empty:"omit"`
	RawPeers   interface{} `bencode:"peers"`
}

type dictPeer struct {
	ID   []byte `bencode:"peer id" empty:"omit"`
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

func (t *HTTPTracker) Announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	resp, err := t.announce(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("http announce: %w", err)
	}
	return resp, nil
}

func (t *HTTPTracker) announce(ctx context.Context, r AnnounceReq) (*AnnounceResp, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, err
	}
	u.RawQuery = r.queryValues()
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("tracker returned status %s", resp.Status)
	}
	benData, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var hr httpAnnounceResponse
	if err = bencode.Decode(benData, &hr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return hr.announceResp()
}

//queryValues builds the announce query string. url.Values percent-encodes
//the raw info-hash and peer-id bytes (unreserved characters pass through).
func (r AnnounceReq) queryValues() string {
	v := url.Values{}
	v.Set("info_hash", string(r.InfoHash[:]))
	v.Set("peer_id", string(r.PeerID[:]))
	v.Set("port", strconv.Itoa(int(r.Port)))
	v.Set("uploaded", strconv.FormatInt(r.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(r.Downloaded, 10))
	v.Set("left", strconv.FormatInt(r.Left, 10))
	v.Set("compact", "1")
	if r.NumWant != 0 {
		v.Set("numwant", strconv.Itoa(int(r.NumWant)))
	}
	if r.Event != None {
		v.Set("event", r.Event.String())
	}
	if r.Key != 0 {
		v.Set("key", strconv.Itoa(int(r.Key)))
	}
	return v.Encode()
}

func (hr *httpAnnounceResponse) announceResp() (*AnnounceResp, error) {
	if hr.Fail != "" {
		return nil, errors.New("tracker failure: " + hr.Fail)
	}
	peers, err := hr.peers()
	if err != nil {
		return nil, err
	}
	return &AnnounceResp{
		Interval: hr.Interval,
		Seeders:  hr.Complete,
		Leechers: hr.Incomplete,
		Peers:    peers,
	}, nil
}

func (hr *httpAnnounceResponse) peers() ([]Peer, error) {
	switch raw := hr.RawPeers.(type) {
	case nil:
		return nil, nil
	case []byte:
		return compactPeers(raw).peers()
	case []interface{}:
		peers := make([]Peer, 0, len(raw))
		for _, e := range raw {
			d, err := bencode.Encode(e)
			if err != nil {
				return nil, err
			}
			var dp dictPeer
			if err = bencode.Decode(d, &dp); err != nil {
				return nil, fmt.Errorf("dictionary peer: %w", err)
			}
			ip := net.ParseIP(dp.IP)
			if ip == nil {
				ips, err := net.LookupIP(dp.IP)
				if err != nil || len(ips) == 0 {
					return nil, fmt.Errorf("peer ip %q is neither literal nor resolvable", dp.IP)
				}
				ip = ips[0]
			}
			peers = append(peers, Peer{IP: ip, Port: dp.Port, ID: dp.ID})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("peers key of unexpected type %T", raw)
	}
}
