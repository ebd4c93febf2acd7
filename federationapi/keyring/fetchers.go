package keyring

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/sync/errgroup"
)

// Requester is the subset of the federation HTTP client the fetchers
// need; the real implementation lives alongside C10's sending queue and
// is shared between outbound PDU delivery and key fetches.
type Requester interface {
	DoFederationRequest(ctx context.Context, destination spec.ServerName, method, path string, body, out interface{}) error
}

// DirectKeyFetcher fetches keys straight from the origin server's own
// `/_matrix/key/v2/server` endpoint (spec §4.5 "Origin path").
type DirectKeyFetcher struct {
	Client Requester
}

func (f *DirectKeyFetcher) FetcherName() string { return "direct" }

// serverKeyResponse mirrors the response body of GET /_matrix/key/v2/server.
type serverKeyResponse struct {
	ServerName    spec.ServerName                      `json:"server_name"`
	VerifyKeys    map[string]struct{ Key spec.Base64Bytes } `json:"verify_keys"`
	OldVerifyKeys map[string]struct {
		Key       spec.Base64Bytes `json:"key"`
		ExpiredTS spec.Timestamp   `json:"expired_ts"`
	} `json:"old_verify_keys"`
	ValidUntilTS spec.Timestamp `json:"valid_until_ts"`
}

func (f *DirectKeyFetcher) FetchKeys(
	ctx context.Context,
	requests map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp,
) (map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, error) {
	byServer := map[spec.ServerName][]gomatrixserverlib.PublicKeyLookupRequest{}
	for req := range requests {
		byServer[req.ServerName] = append(byServer[req.ServerName], req)
	}

	results := make(map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult)
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for serverName, reqs := range byServer {
		serverName, reqs := serverName, reqs
		g.Go(func() error {
			var resp serverKeyResponse
			err := f.Client.DoFederationRequest(ctx, serverName, http.MethodGet, "/_matrix/key/v2/server", nil, &resp)
			if err != nil {
				// A single unreachable origin must not fail the whole
				// batch; the gap is simply left unfilled for the caller
				// to retry via the other acquisition path.
				return nil
			}
			mu.Lock()
			for _, req := range reqs {
				vk, ok := resp.VerifyKeys[string(req.KeyID)]
				if ok {
					results[req] = gomatrixserverlib.PublicKeyLookupResult{
						VerifyKey:    gomatrixserverlib.VerifyKey{Key: vk.Key},
						ValidUntilTS: resp.ValidUntilTS,
					}
					continue
				}
				if ov, ok := resp.OldVerifyKeys[string(req.KeyID)]; ok {
					results[req] = gomatrixserverlib.PublicKeyLookupResult{
						VerifyKey: gomatrixserverlib.VerifyKey{Key: ov.Key},
						ExpiredTS: ov.ExpiredTS,
					}
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("keyring: direct fetch: %w", err)
	}
	return results, nil
}

// NotaryKeyFetcher fetches keys via one or more trusted notary servers'
// `/_matrix/key/v2/query` batch endpoint (spec §4.5 "Notary path").
type NotaryKeyFetcher struct {
	Client  Requester
	Notarys []spec.ServerName
}

func (f *NotaryKeyFetcher) FetcherName() string { return "notary" }

type notaryQueryRequest struct {
	ServerKeys map[spec.ServerName]map[string]struct {
		MinimumValidUntilTS spec.Timestamp `json:"minimum_valid_until_ts"`
	} `json:"server_keys"`
}

type notaryQueryResponse struct {
	ServerKeys []serverKeyResponse `json:"server_keys"`
}

func (f *NotaryKeyFetcher) FetchKeys(
	ctx context.Context,
	requests map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp,
) (map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, error) {
	remaining := make(map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp, len(requests))
	for k, v := range requests {
		remaining[k] = v
	}
	results := make(map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult)

	for _, notary := range f.Notarys {
		if len(remaining) == 0 {
			break
		}
		body := notaryQueryRequest{ServerKeys: map[spec.ServerName]map[string]struct {
			MinimumValidUntilTS spec.Timestamp `json:"minimum_valid_until_ts"`
		}{}}
		for req, minValid := range remaining {
			if body.ServerKeys[req.ServerName] == nil {
				body.ServerKeys[req.ServerName] = map[string]struct {
					MinimumValidUntilTS spec.Timestamp `json:"minimum_valid_until_ts"`
				}{}
			}
			body.ServerKeys[req.ServerName][string(req.KeyID)] = struct {
				MinimumValidUntilTS spec.Timestamp `json:"minimum_valid_until_ts"`
			}{MinimumValidUntilTS: minValid}
		}

		var resp notaryQueryResponse
		if err := f.Client.DoFederationRequest(ctx, notary, http.MethodPost, "/_matrix/key/v2/query", body, &resp); err != nil {
			continue
		}
		for _, sk := range resp.ServerKeys {
			for keyID, vk := range sk.VerifyKeys {
				req := gomatrixserverlib.PublicKeyLookupRequest{ServerName: sk.ServerName, KeyID: gomatrixserverlib.KeyID(keyID)}
				if _, wanted := remaining[req]; !wanted {
					continue
				}
				results[req] = gomatrixserverlib.PublicKeyLookupResult{
					VerifyKey:    gomatrixserverlib.VerifyKey{Key: vk.Key},
					ValidUntilTS: sk.ValidUntilTS,
				}
				delete(remaining, req)
			}
			for keyID, ov := range sk.OldVerifyKeys {
				req := gomatrixserverlib.PublicKeyLookupRequest{ServerName: sk.ServerName, KeyID: gomatrixserverlib.KeyID(keyID)}
				if _, wanted := remaining[req]; !wanted {
					continue
				}
				results[req] = gomatrixserverlib.PublicKeyLookupResult{
					VerifyKey: gomatrixserverlib.VerifyKey{Key: ov.Key},
					ExpiredTS: ov.ExpiredTS,
				}
				delete(remaining, req)
			}
		}
	}
	return results, nil
}
