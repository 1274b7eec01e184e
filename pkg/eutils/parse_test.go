package eutils

import (
	"strings"
	"testing"
)

func TestParseSearchResponse(t *testing.T) {
	body := []byte(`{"esearchresult":{"count":"1359","retmax":"20","retstart":"0",` +
		`"querykey":"1","webenv":"MCID_abc123",` +
		`"idlist":["39338112","39321756"],` +
		`"querytranslation":"crispr[Title]"}}`)

	res, err := parseSearchResponse(body)
	if err != nil {
		t.Fatalf("parseSearchResponse: %v", err)
	}
	if res.Count != 1359 {
		t.Errorf("Count = %d, want 1359", res.Count)
	}
	if len(res.IDs) != 2 || res.IDs[0] != "39338112" {
		t.Errorf("IDs = %v", res.IDs)
	}
	if res.WebEnv != "MCID_abc123" || res.QueryKey != 1 {
		t.Errorf("history tokens = %q/%d", res.WebEnv, res.QueryKey)
	}
	if res.QueryTranslation != "crispr[Title]" {
		t.Errorf("QueryTranslation = %q", res.QueryTranslation)
	}
}

func TestParseSearchResponse_NoHistory(t *testing.T) {
	body := []byte(`{"esearchresult":{"count":"0","idlist":[]}}`)
	res, err := parseSearchResponse(body)
	if err != nil {
		t.Fatalf("parseSearchResponse: %v", err)
	}
	if res.Count != 0 || res.QueryKey != 0 || res.WebEnv != "" {
		t.Errorf("unexpected result %+v for empty search", res)
	}
}

func TestParseSearchResponse_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"api error", `{"error":"Invalid db name specified: foo"}`},
		{"bad count", `{"esearchresult":{"count":"many"}}`},
		{"not json", `<html>Bad Gateway</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseSearchResponse([]byte(tt.body)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParseLinkResponse_Inline(t *testing.T) {
	body := []byte(`{"linksets":[{"dbfrom":"pubmed",` +
		`"linksetdbs":[` +
		`{"dbto":"protein","linkname":"pubmed_protein","links":["1001","1002","1003"]},` +
		`{"dbto":"protein","linkname":"pubmed_protein_refseq","links":["2001"]}]}]}`)

	res, err := parseLinkResponse(body)
	if err != nil {
		t.Fatalf("parseLinkResponse: %v", err)
	}
	if res.Count != 4 {
		t.Errorf("Count = %d, want 4", res.Count)
	}
	if len(res.LinkSets) != 2 {
		t.Fatalf("LinkSets = %d, want 2", len(res.LinkSets))
	}
	if res.LinkSets[0].DBTo != "protein" || len(res.LinkSets[0].IDs) != 3 {
		t.Errorf("LinkSets[0] = %+v", res.LinkSets[0])
	}
	if res.QueryKey != 0 {
		t.Errorf("QueryKey = %d, want 0 for inline links", res.QueryKey)
	}
}

func TestParseLinkResponse_History(t *testing.T) {
	body := []byte(`{"linksets":[{"dbfrom":"pubmed","webenv":"MCID_xyz",` +
		`"linksetdbhistories":[` +
		`{"dbto":"protein","linkname":"pubmed_protein","querykey":"2"},` +
		`{"dbto":"protein","linkname":"pubmed_protein_refseq","querykey":"3"}]}]}`)

	res, err := parseLinkResponse(body)
	if err != nil {
		t.Fatalf("parseLinkResponse: %v", err)
	}
	if res.WebEnv != "MCID_xyz" {
		t.Errorf("WebEnv = %q", res.WebEnv)
	}
	if res.QueryKey != 3 {
		t.Errorf("QueryKey = %d, want last minted key 3", res.QueryKey)
	}
	if len(res.LinkSets) != 0 {
		t.Errorf("LinkSets = %v, want none in history mode", res.LinkSets)
	}
}

func TestParsePostResponse(t *testing.T) {
	body := []byte(`<?xml version="1.0"?><ePostResult>` +
		`<QueryKey>1</QueryKey><WebEnv>MCID_post123</WebEnv></ePostResult>`)

	res, err := parsePostResponse(body)
	if err != nil {
		t.Fatalf("parsePostResponse: %v", err)
	}
	if res.WebEnv != "MCID_post123" || res.QueryKey != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestParsePostResponse_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			"api error",
			`<?xml version="1.0"?><ePostResult><ERROR>IDs contain invalid characters</ERROR></ePostResult>`,
			"rejected",
		},
		{
			"missing tokens",
			`<?xml version="1.0"?><ePostResult></ePostResult>`,
			"missing history tokens",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePostResponse([]byte(tt.body))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseSummaryResponse(t *testing.T) {
	body := []byte(`{"result":{"uids":["11111","22222"],` +
		`"11111":{"uid":"11111","title":"First article"},` +
		`"22222":{"uid":"22222","title":"Second article"}}}`)

	res, err := parseSummaryResponse(body)
	if err != nil {
		t.Fatalf("parseSummaryResponse: %v", err)
	}
	if len(res.UIDs) != 2 {
		t.Fatalf("UIDs = %v", res.UIDs)
	}
	doc, ok := res.Docs["22222"]
	if !ok {
		t.Fatal("missing doc for uid 22222")
	}
	if !strings.Contains(string(doc), "Second article") {
		t.Errorf("doc = %s", doc)
	}
}
