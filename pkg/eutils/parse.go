package eutils

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
)

// esearchEnvelope mirrors the ESearch JSON envelope. NCBI encodes all
// numbers as strings.
type esearchEnvelope struct {
	Result struct {
		Count            string   `json:"count"`
		IDList           []string `json:"idlist"`
		QueryKey         string   `json:"querykey"`
		WebEnv           string   `json:"webenv"`
		QueryTranslation string   `json:"querytranslation"`
	} `json:"esearchresult"`
	Error string `json:"error"`
}

// parseSearchResponse extracts the ESearch envelope.
func parseSearchResponse(body []byte) (*SearchResult, error) {
	var env esearchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse esearch response: %w", err)
	}
	if env.Error != "" {
		return nil, fmt.Errorf("esearch rejected request: %s", env.Error)
	}

	count, err := strconv.Atoi(env.Result.Count)
	if err != nil {
		return nil, fmt.Errorf("parse esearch count %q: %w", env.Result.Count, err)
	}

	result := &SearchResult{
		Count:            count,
		IDs:              env.Result.IDList,
		WebEnv:           env.Result.WebEnv,
		QueryTranslation: env.Result.QueryTranslation,
	}
	if env.Result.QueryKey != "" {
		key, err := strconv.Atoi(env.Result.QueryKey)
		if err != nil {
			return nil, fmt.Errorf("parse esearch query key %q: %w", env.Result.QueryKey, err)
		}
		result.QueryKey = key
	}
	return result, nil
}

// elinkEnvelope mirrors the ELink JSON envelope for both cmd=neighbor
// (inline linksetdbs) and cmd=neighbor_history (linksetdbhistories).
type elinkEnvelope struct {
	LinkSets []struct {
		WebEnv     string `json:"webenv"`
		LinkSetDBs []struct {
			DBTo     string   `json:"dbto"`
			LinkName string   `json:"linkname"`
			Links    []string `json:"links"`
		} `json:"linksetdbs"`
		Histories []struct {
			DBTo     string `json:"dbto"`
			LinkName string `json:"linkname"`
			QueryKey string `json:"querykey"`
		} `json:"linksetdbhistories"`
	} `json:"linksets"`
}

// parseLinkResponse extracts the ELink envelope. For history-mode links the
// result carries WebEnv/QueryKey and no inline IDs.
func parseLinkResponse(body []byte) (*LinkResult, error) {
	var env elinkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse elink response: %w", err)
	}

	result := &LinkResult{}
	for _, ls := range env.LinkSets {
		if ls.WebEnv != "" {
			result.WebEnv = ls.WebEnv
		}
		for _, db := range ls.LinkSetDBs {
			result.LinkSets = append(result.LinkSets, LinkSet{
				DBTo:     db.DBTo,
				LinkName: db.LinkName,
				IDs:      db.Links,
			})
			result.Count += len(db.Links)
		}
		for _, h := range ls.Histories {
			if h.QueryKey == "" {
				continue
			}
			key, err := strconv.Atoi(h.QueryKey)
			if err != nil {
				return nil, fmt.Errorf("parse elink query key %q: %w", h.QueryKey, err)
			}
			// Multiple link names can each mint a key; keep the last,
			// which addresses the combined neighbor set.
			result.QueryKey = key
		}
	}
	return result, nil
}

// epostEnvelope mirrors the EPost XML response.
type epostEnvelope struct {
	XMLName  xml.Name `xml:"ePostResult"`
	QueryKey string   `xml:"QueryKey"`
	WebEnv   string   `xml:"WebEnv"`
	Error    string   `xml:"ERROR"`
}

// parsePostResponse extracts the EPost envelope.
func parsePostResponse(body []byte) (*PostResult, error) {
	var env epostEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse epost response: %w", err)
	}
	if env.Error != "" {
		return nil, fmt.Errorf("epost rejected request: %s", env.Error)
	}
	if env.WebEnv == "" || env.QueryKey == "" {
		return nil, fmt.Errorf("epost response missing history tokens")
	}

	key, err := strconv.Atoi(env.QueryKey)
	if err != nil {
		return nil, fmt.Errorf("parse epost query key %q: %w", env.QueryKey, err)
	}
	return &PostResult{WebEnv: env.WebEnv, QueryKey: key}, nil
}

// esummaryEnvelope mirrors the ESummary JSON envelope: a "result" object
// with a "uids" index and one member per UID.
type esummaryEnvelope struct {
	Result map[string]json.RawMessage `json:"result"`
}

// parseSummaryResponse extracts the ESummary envelope, keeping per-document
// payloads raw.
func parseSummaryResponse(body []byte) (*SummaryResult, error) {
	var env esummaryEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse esummary response: %w", err)
	}

	result := &SummaryResult{Docs: map[string]json.RawMessage{}}
	if raw, ok := env.Result["uids"]; ok {
		if err := json.Unmarshal(raw, &result.UIDs); err != nil {
			return nil, fmt.Errorf("parse esummary uids: %w", err)
		}
	}
	for _, uid := range result.UIDs {
		if doc, ok := env.Result[uid]; ok {
			result.Docs[uid] = doc
		}
	}
	return result, nil
}
