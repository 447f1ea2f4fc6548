// Package identity renders agency-side identities (mailboxes, group names)
// from naming templates. Rendering is pure: the same inputs always produce the
// same output, so the identity can be recomputed wherever it is needed.
package identity

import (
	"strings"
)

const (
	clientSlugMax   = 20
	platformSlugMax = 15

	placeholderClientSlug  = "{clientSlug}"
	placeholderPlatformKey = "{platformKey}"
)

// DefaultTemplate is used for CLIENT_DEDICATED identities without an explicit template.
const DefaultTemplate = "{clientSlug}-{platformKey}@{agencyDomain}"

// Client is the subset of client data the resolver reads.
type Client struct {
	Name string
}

// Platform is the subset of platform data the resolver reads.
type Platform struct {
	Name string
}

// platformAbbreviations are applied in order to the slugged platform name.
var platformAbbreviations = []struct{ from, to string }{
	{"google-tag-manager", "gtm"},
	{"google-search-console", "gsc"},
	{"google-merchant-center", "gmc"},
	{"google-business-profile", "gbp"},
	{"meta-business-manager", "meta"},
	{"facebook-business-manager", "meta"},
	{"facebook", "meta"},
	{"linkedin-campaign-manager", "linkedin"},
	{"microsoft-advertising", "msads"},
	{"tiktok-ads-manager", "tiktok"},
	{"-ads-manager", "-ads"},
	{"google-", ""},
}

// GenerateIdentity substitutes {clientSlug} and {platformKey} in template.
// Unknown placeholders are left untouched.
func GenerateIdentity(template string, client Client, platform Platform) string {
	out := strings.ReplaceAll(template, placeholderClientSlug, ClientSlug(client.Name))
	return strings.ReplaceAll(out, placeholderPlatformKey, PlatformSlug(platform.Name))
}

// WithAgencyDomain expands the {agencyDomain} placeholder used by DefaultTemplate.
func WithAgencyDomain(template, domain string) string {
	return strings.ReplaceAll(template, "{agencyDomain}", domain)
}

// ClientSlug lower-cases name, collapses non-alphanumeric runs into one hyphen,
// trims hyphens and truncates to 20 characters.
func ClientSlug(name string) string {
	return truncate(slug(name), clientSlugMax)
}

// PlatformSlug slugs name like ClientSlug, applies the fixed platform
// abbreviations and truncates to 15 characters.
func PlatformSlug(name string) string {
	s := slug(name)
	for _, abbr := range platformAbbreviations {
		s = strings.ReplaceAll(s, abbr.from, abbr.to)
	}
	return truncate(strings.Trim(s, "-"), platformSlugMax)
}

func slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

// truncate cuts s to max bytes (slugs are ASCII) and drops a trailing hyphen
// left by the cut.
func truncate(s string, max int) string {
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimRight(s, "-")
}
