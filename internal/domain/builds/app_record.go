package builds

import (
	"regexp"
	"strings"
)

const (
	DefaultPrimaryColor   = "#00A86B"
	DefaultSecondaryColor = "#008556"
	packagePrefix         = "com.b1appbuilder."
)

// AppRecord is owned by the app CRUD layer; the orchestrator only reads it.
type AppRecord struct {
	ID              string `gorm:"column:id;primaryKey;size:64" json:"id"`
	UserID          string `gorm:"column:user_id;not null;index" json:"user_id"`
	AppName         string `gorm:"column:app_name;not null" json:"app_name"`
	WebsiteURL      string `gorm:"column:website_url;not null;size:2048" json:"website_url"`
	PrimaryColor    string `gorm:"column:primary_color;size:16" json:"primary_color,omitempty"`
	SecondaryColor  string `gorm:"column:secondary_color;size:16" json:"secondary_color,omitempty"`
	IconURL         string `gorm:"column:icon_url" json:"icon_url,omitempty"`
	SplashScreenURL string `gorm:"column:splash_screen_url" json:"splash_screen_url,omitempty"`
}

func (AppRecord) TableName() string { return "apps" }

var nonIdent = regexp.MustCompile(`[^a-z0-9]`)

// PackageID derives the Android package / iOS bundle identifier from the app name.
func (a *AppRecord) PackageID() string {
	name := nonIdent.ReplaceAllString(strings.ToLower(a.AppName), "")
	if name == "" {
		name = "app"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "app" + name
	}
	return packagePrefix + name
}

func (a *AppRecord) Colors() (primary, secondary string) {
	primary, secondary = strings.TrimSpace(a.PrimaryColor), strings.TrimSpace(a.SecondaryColor)
	if primary == "" {
		primary = DefaultPrimaryColor
	}
	if secondary == "" {
		secondary = DefaultSecondaryColor
	}
	return primary, secondary
}
