package dnsenum

import (
	"bufio"
	"os"
	"strings"
)

// defaultWordlist is used when no wordlist file is configured. It covers
// the subdomain labels that show up on almost every corporate perimeter.
func defaultWordlist() []string {
	return []string{
		"www", "mail", "ftp", "webmail", "smtp", "pop", "ns1", "ns2", "cpanel", "autodiscover", "autoconfig",
		"m", "imap", "test", "ns", "blog", "pop3", "dev", "www2", "admin", "portal", "kb", "mobile", "mx", "wiki", "api",
		"media", "www1", "stage", "stats", "staging", "secure", "vpn", "mx1", "cdn", "cdn1", "cdn2", "alpha", "beta",
		"preview", "demo", "internal", "private", "public", "static", "assets", "img", "images",

		"mail1", "mail2", "smtp1", "smtp2", "mx2", "email", "exchange", "outlook", "owa", "relay", "mailserver",

		"dev1", "dev2", "test1", "test2", "qa", "uat", "sandbox", "stg", "staging1",
		"dev-api", "test-api", "stage-api", "qa-api",

		"panel", "control", "cp", "phpmyadmin", "cms", "manager", "console", "backend", "backoffice", "sysadmin",

		"app", "app1", "app2", "application", "apps", "web", "web1", "web2", "webapp",
		"api1", "api2", "api-v1", "api-v2", "rest", "graphql", "grpc", "services",

		"ns3", "ns4", "dns", "dns1", "dns2", "gateway", "firewall", "proxy", "lb", "lb1", "lb2",
		"node1", "node2", "server1", "server2",

		"storage", "files", "data", "backup", "archive", "mirror", "download", "downloads", "sftp", "share", "cache",

		"db", "db1", "database", "mysql", "postgres", "mongo", "redis", "elastic",

		"monitor", "monitoring", "status", "health", "metrics", "analytics", "grafana", "kibana", "prometheus", "logs",

		"auth", "oauth", "sso", "ldap", "cert", "ssl", "waf",

		"chat", "meet", "conference", "sip", "voip",

		"us", "eu", "asia", "uk", "de", "fr", "jp", "au", "us-east", "us-west", "eu-west", "eu-central",

		"production", "prod", "prod1", "development", "integration", "preprod", "dr", "failover",

		"old", "new", "legacy", "v1", "v2", "temp", "tmp",

		"info", "support", "help", "docs", "documentation", "faq", "forum", "community",
	}
}

// loadWordlist reads one label per line, skipping blanks and # comments.
func loadWordlist(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var words []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word != "" && !strings.HasPrefix(word, "#") {
			words = append(words, word)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return words, nil
}
