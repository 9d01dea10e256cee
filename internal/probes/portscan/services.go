package portscan

import "strings"

// servicePorts maps well-known ports to the service we assume before any
// banner evidence arrives. Banner detection can override these.
var servicePorts = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	80:    "http",
	110:   "pop3",
	111:   "rpcbind",
	135:   "msrpc",
	139:   "netbios-ssn",
	143:   "imap",
	443:   "https",
	445:   "microsoft-ds",
	465:   "smtps",
	587:   "submission",
	993:   "imaps",
	995:   "pop3s",
	1433:  "mssql",
	1521:  "oracle",
	2049:  "nfs",
	3306:  "mysql",
	3389:  "rdp",
	5060:  "sip",
	5432:  "postgresql",
	5900:  "vnc",
	6379:  "redis",
	8000:  "http-alt",
	8080:  "http-proxy",
	8443:  "https-alt",
	9000:  "http-alt",
	9200:  "elasticsearch",
	11211: "memcached",
	27017: "mongodb",
}

// defaultPorts is scanned when the job carries no explicit port list.
func defaultPorts() []int {
	ports := make([]int, 0, len(servicePorts))
	for port := range servicePorts {
		ports = append(ports, port)
	}
	return ports
}

// detectServiceFromBanner matches banner text against known service
// signatures. Returns "" when nothing matches.
func detectServiceFromBanner(banner string) string {
	lower := strings.ToLower(banner)

	switch {
	case strings.HasPrefix(lower, "ssh-"):
		return "ssh"
	case strings.HasPrefix(lower, "220") && strings.Contains(lower, "ftp"):
		return "ftp"
	case strings.HasPrefix(lower, "220") && (strings.Contains(lower, "smtp") || strings.Contains(lower, "esmtp")):
		return "smtp"
	case strings.HasPrefix(lower, "+ok"):
		return "pop3"
	case strings.HasPrefix(lower, "* ok") && strings.Contains(lower, "imap"):
		return "imap"
	case strings.Contains(lower, "http/1.") || strings.Contains(lower, "http/2"):
		return "http"
	case strings.Contains(lower, "mysql"):
		return "mysql"
	case strings.HasPrefix(lower, "-err") || strings.Contains(lower, "redis"):
		return "redis"
	case strings.Contains(lower, "mongodb"):
		return "mongodb"
	}
	return ""
}

// bannerStimulus returns the bytes to send after connecting, for services
// that stay silent until spoken to. Services with a greeting banner
// (FTP, SMTP, POP3, IMAP, SSH) need nothing.
func bannerStimulus(port int) []byte {
	switch port {
	case 80, 8000, 8080, 9000:
		return []byte("HEAD / HTTP/1.0\r\n\r\n")
	case 443, 8443:
		// TLS ports don't yield a useful plaintext banner.
		return nil
	default:
		return nil
	}
}

// cleanBanner strips non-printable bytes and caps length so a hostile
// service cannot bloat storage or corrupt logs.
const maxBannerLen = 1024

func cleanBanner(raw []byte) string {
	if len(raw) > maxBannerLen {
		raw = raw[:maxBannerLen]
	}

	var b strings.Builder
	for _, c := range raw {
		if c == '\r' || c == '\n' || c == '\t' || (c >= 0x20 && c < 0x7f) {
			b.WriteByte(c)
		}
	}
	return strings.TrimSpace(b.String())
}
