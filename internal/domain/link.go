package domain

import "net/url"

// AbsolutizeLink resolves a bot-suggested navigation target against the
// configured link base. Unresolvable links pass through unchanged.
func AbsolutizeLink(link, base string) string {
	if link == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Host == "" {
		return link
	}
	rel, err := url.Parse(link)
	if err != nil {
		return link
	}
	return baseURL.ResolveReference(rel).String()
}

// IsExternalLink reports whether a link points outside the storefront origin.
func IsExternalLink(link, base string) bool {
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Host == "" {
		return false
	}
	rel, err := url.Parse(link)
	if err != nil {
		return false
	}
	abs := baseURL.ResolveReference(rel)
	return abs.Scheme+"://"+abs.Host != baseURL.Scheme+"://"+baseURL.Host
}
