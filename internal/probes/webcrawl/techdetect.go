package webcrawl

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/edgescope/edgescope/pkg/types"
)

// fingerprint matches a technology against a script src, stylesheet
// href, or meta generator value. Version capture group is optional.
type fingerprint struct {
	name     string
	category string
	pattern  *regexp.Regexp
}

var scriptFingerprints = []fingerprint{
	{"jQuery", "javascript-library", regexp.MustCompile(`(?i)jquery[.-]?([0-9.]+[0-9])?(?:\.min)?\.js`)},
	{"React", "javascript-framework", regexp.MustCompile(`(?i)react(?:-dom)?[.-]?([0-9.]+[0-9])?(?:\.production)?(?:\.min)?\.js`)},
	{"Vue.js", "javascript-framework", regexp.MustCompile(`(?i)vue[.-]?([0-9.]+[0-9])?(?:\.global)?(?:\.min)?\.js`)},
	{"AngularJS", "javascript-framework", regexp.MustCompile(`(?i)angular[.-]?([0-9.]+[0-9])?(?:\.min)?\.js`)},
	{"Bootstrap", "ui-framework", regexp.MustCompile(`(?i)bootstrap(?:\.bundle)?[.-]?([0-9.]+[0-9])?(?:\.min)?\.js`)},
	{"Google Analytics", "analytics", regexp.MustCompile(`(?i)google-analytics\.com/(?:ga|analytics)\.js|googletagmanager\.com/gtag`)},
	{"Modernizr", "javascript-library", regexp.MustCompile(`(?i)modernizr[.-]?([0-9.]+[0-9])?(?:\.min)?\.js`)},
}

var stylesheetFingerprints = []fingerprint{
	{"Bootstrap", "ui-framework", regexp.MustCompile(`(?i)bootstrap[.-]?([0-9.]+[0-9])?(?:\.min)?\.css`)},
	{"Font Awesome", "ui-framework", regexp.MustCompile(`(?i)font-?awesome[.-]?([0-9.]+[0-9])?(?:\.min)?\.css`)},
	{"Tailwind CSS", "ui-framework", regexp.MustCompile(`(?i)tailwind(?:css)?[.-]?([0-9.]+[0-9])?(?:\.min)?\.css`)},
}

// generatorPattern splits "WordPress 6.4.2" style generator values into
// name and version.
var generatorPattern = regexp.MustCompile(`^([^0-9]+?)[\s/]+v?([0-9][0-9a-zA-Z.\-]*)$`)

var serverProducts = map[string]string{
	"nginx":      "nginx",
	"apache":     "Apache",
	"iis":        "Microsoft IIS",
	"cloudflare": "Cloudflare",
	"caddy":      "Caddy",
	"litespeed":  "LiteSpeed",
}

// detectFromHeaders extracts technologies from the Server and
// X-Powered-By response headers.
func detectFromHeaders(headers http.Header) []types.DiscoveredTechnology {
	var techs []types.DiscoveredTechnology

	if server := headers.Get("Server"); server != "" {
		name, version := splitProductVersion(server)
		lower := strings.ToLower(name)
		for key, canonical := range serverProducts {
			if strings.Contains(lower, key) {
				name = canonical
				break
			}
		}
		techs = append(techs, types.DiscoveredTechnology{
			Name:     name,
			Version:  version,
			Category: "web-server",
			Evidence: "Server: " + server,
		})
	}

	if powered := headers.Get("X-Powered-By"); powered != "" {
		name, version := splitProductVersion(powered)
		techs = append(techs, types.DiscoveredTechnology{
			Name:     name,
			Version:  version,
			Category: "application-platform",
			Evidence: "X-Powered-By: " + powered,
		})
	}

	return techs
}

// detectFromDocument extracts technologies from meta generator tags,
// script sources, and stylesheet links.
func detectFromDocument(doc *goquery.Document) []types.DiscoveredTechnology {
	var techs []types.DiscoveredTechnology

	doc.Find(`meta[name="generator"]`).Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok || strings.TrimSpace(content) == "" {
			return
		}
		name, version := splitProductVersion(content)
		techs = append(techs, types.DiscoveredTechnology{
			Name:     name,
			Version:  version,
			Category: "cms",
			Evidence: "meta generator: " + content,
		})
	})

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		techs = append(techs, matchFingerprints(scriptFingerprints, src, "script src: "+src)...)
	})

	doc.Find(`link[rel="stylesheet"][href]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		techs = append(techs, matchFingerprints(stylesheetFingerprints, href, "stylesheet: "+href)...)
	})

	return techs
}

func matchFingerprints(fps []fingerprint, value, evidence string) []types.DiscoveredTechnology {
	var techs []types.DiscoveredTechnology
	for _, fp := range fps {
		m := fp.pattern.FindStringSubmatch(value)
		if m == nil {
			continue
		}
		version := ""
		if len(m) > 1 {
			version = m[1]
		}
		techs = append(techs, types.DiscoveredTechnology{
			Name:     fp.name,
			Version:  version,
			Category: fp.category,
			Evidence: evidence,
		})
	}
	return techs
}

// splitProductVersion parses "nginx/1.25.3" or "PHP 8.2" into name and
// version. Values without a recognizable version come back whole.
func splitProductVersion(value string) (string, string) {
	value = strings.TrimSpace(value)
	if m := generatorPattern.FindStringSubmatch(value); m != nil {
		return strings.TrimSpace(m[1]), m[2]
	}
	return value, ""
}
