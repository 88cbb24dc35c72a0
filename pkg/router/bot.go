package router

import "regexp"

var botPattern = regexp.MustCompile(`(?i)googlebot|google-pagerenderer|mediapartners-google|adsbot-google|bingbot|slurp|duckduckbot|baiduspider|yandex(bot)?|sogou|exabot|facebookexternalhit|facebot|ia_archiver|linkedinbot|twitterbot|slackbot|discordbot|applebot|petalbot|semrushbot|ahrefsbot|bot\.html|crawler|spider`)

// IsBot reports whether ua belongs to a crawler.
func IsBot(ua string) bool {
	return ua != "" && botPattern.MatchString(ua)
}
