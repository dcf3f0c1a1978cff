// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/reelcast-backend/internal/model"
)

// Placeholders understood by campaign message templates.
const (
	PlaceholderName        = "name"
	PlaceholderFirstName   = "first_name"
	PlaceholderLink        = "link"
	PlaceholderArtifactURL = "artifact_url"
	PlaceholderCampaign    = "campaign"
)

func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// templateData builds the substitution map for one item. link and artifactURL
// may be empty during generation, before either exists.
func templateData(c *model.Campaign, item *model.CampaignItem, link, artifactURL string) map[string]string {
	name := strings.TrimSpace(item.RecipientName)
	first := name
	if i := strings.IndexByte(name, ' '); i > 0 {
		first = name[:i]
	}
	return map[string]string{
		PlaceholderName:        name,
		PlaceholderFirstName:   first,
		PlaceholderLink:        link,
		PlaceholderArtifactURL: artifactURL,
		PlaceholderCampaign:    c.Name,
	}
}

// RenderScript is the personalised text the artifact is generated from.
func RenderScript(c *model.Campaign, item *model.CampaignItem) string {
	return RenderTemplate(c.MessageTemplate, templateData(c, item, "", ""))
}

// RenderMessage is the final outbound text for a generated item.
func RenderMessage(c *model.Campaign, item *model.CampaignItem, link string) string {
	return RenderTemplate(c.MessageTemplate, templateData(c, item, link, item.ArtifactURL))
}
