// Package discovery generates the OpenID 2.0 XRDS document listing the
// return-to URLs exposed by this site, so relying-party verification at
// the providers accepts the site's own endpoints.
package discovery

import (
	"encoding/xml"
	"sort"
	"strings"

	"github.com/ucphhpc/accountd/pkg/config"
)

// Return-to service type identifiers per the OpenID 2.0 spec.
const (
	returnToType = "http://specs.openid.net/auth/2.0/return_to"
)

// Default menu entry points reachable right after login.
var defaultEntryPages = []string{
	"home.py",
	"account.py",
	"settings.py",
	"setup.py",
	"logout.py",
}

// Landing pages served from the SID vhost that providers may bounce to.
var sidLandingPages = []string{
	"reqoid.py",
	"reqoidaction.py",
	"signup.py",
	"login.py",
}

type xrdsService struct {
	XMLName  xml.Name `xml:"Service"`
	Priority int      `xml:"priority,attr"`
	Type     string   `xml:"Type"`
	URI      string   `xml:"URI"`
}

type xrdsXRD struct {
	XMLName  xml.Name `xml:"XRD"`
	Services []xrdsService
}

type xrdsDoc struct {
	XMLName xml.Name `xml:"xri://$xrds XRDS"`
	XMLNS   string   `xml:"xmlns,attr"`
	XRD     xrdsXRD
}

// ReturnToURLs enumerates every valid return-to URL: the product of the
// script dirs (cgi-bin plus wsgi-bin when enabled), the entry pages
// (with autocreate on ext providers and gdpman in gated-project mode)
// and the available OpenID vhosts, plus a fixed set of SID landing
// pages. Sorted for stable output.
func ReturnToURLs(cfg *config.Config) []string {
	scriptDirs := []string{"cgi-bin"}
	if cfg.EnableWsgi {
		scriptDirs = append(scriptDirs, "wsgi-bin")
	}

	vhosts := []struct {
		url string
		ext bool
	}{
		{cfg.URLs.MigOid, false},
		{cfg.URLs.ExtOid, true},
	}

	seen := map[string]bool{}
	var urls []string
	add := func(url string) {
		if url != "" && !seen[url] {
			seen[url] = true
			urls = append(urls, url)
		}
	}

	for _, vhost := range vhosts {
		if vhost.url == "" {
			continue
		}
		base := strings.TrimRight(vhost.url, "/")
		pages := append([]string{}, defaultEntryPages...)
		if vhost.ext {
			pages = append(pages, "autocreate.py")
		}
		if cfg.SiteEnableGDP {
			pages = append(pages, "gdpman.py")
		}
		for _, dir := range scriptDirs {
			for _, page := range pages {
				add(base + "/" + dir + "/" + page)
			}
		}
	}

	if sid := strings.TrimRight(cfg.URLs.Sid, "/"); sid != "" {
		for _, page := range sidLandingPages {
			add(sid + "/cgi-sid/" + page)
		}
	}

	sort.Strings(urls)
	return urls
}

// XRDSDocument renders the discovery document for cfg.
func XRDSDocument(cfg *config.Config) ([]byte, error) {
	doc := xrdsDoc{XMLNS: "xri://$xrd*($v*2.0)"}
	for i, url := range ReturnToURLs(cfg) {
		doc.XRD.Services = append(doc.XRD.Services, xrdsService{
			Priority: i + 1,
			Type:     returnToType,
			URI:      url,
		})
	}
	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(raw, '\n')...), nil
}
