// File: internal/config/defaults.go
// Built-in locator chains and action profiles. They describe the current web
// UI of the default platform and are expected to drift; every entry can be
// overridden per affordance (locators) or per field (actions) from the config file.
package config

// Affordance names referenced by the core.
const (
	AffordanceAccountSwitcher = "session_account_switcher"
	AffordanceDialog          = "dialog"
	AffordanceDialogConfirm   = "dialog_confirm"
)

// DefaultLocators returns the built-in chains, ordered most specific first.
func DefaultLocators() map[string][]LocatorStrategyConfig {
	return map[string][]LocatorStrategyConfig{
		AffordanceAccountSwitcher: {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="SideNav_AccountSwitcher_Button"]`},
			{Name: "role-label", By: "css", Expr: `[role="button"][aria-label="Account menu"]`},
			{Name: "profile-link", By: "css", Expr: `a[data-testid="AppTabBar_Profile_Link"]`},
		},
		"follow_control": {
			{Name: "role-label", By: "css", Expr: `[role="button"][aria-label^="Follow @"], [role="button"][aria-label^="Following @"]`},
			{Name: "stable-attribute", By: "css", Expr: `[data-testid$="-follow"], [data-testid$="-unfollow"]`},
			{Name: "free-text", By: "css", Expr: `button, [role="button"]`, Text: `(?i)^(follow|following|follow back)$`},
			{Name: "dom-scan", By: "xpath", Expr: `//*[contains(normalize-space(.), "Follow")]`, Text: `(?i)^(follow|following|follow back)$`},
		},
		"like_control": {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="like"], [data-testid="unlike"]`},
			{Name: "role-label", By: "css", Expr: `[role="button"][aria-label*="Like"], [role="button"][aria-label*="Liked"]`},
			{Name: "dom-scan", By: "xpath", Expr: `//*[@role="button"][contains(@aria-label, "Like")]`},
		},
		"comment_control": {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="reply"]`},
			{Name: "role-label", By: "css", Expr: `[role="button"][aria-label*="Repl"]`},
		},
		"comment_input": {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="tweetTextarea_0"]`},
			{Name: "role-label", By: "css", Expr: `[role="textbox"][contenteditable="true"]`},
		},
		"comment_submit": {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="tweetButton"]`},
			{Name: "free-text", By: "css", Expr: `button, [role="button"]`, Text: `(?i)^reply$`},
		},
		"comment_status": {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="toast"]`},
			{Name: "role-label", By: "css", Expr: `[role="alert"]`},
		},
		"message_control": {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="sendDMFromProfile"]`},
			{Name: "role-label", By: "css", Expr: `[role="button"][aria-label="Message"]`},
		},
		"message_input": {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="dmComposerTextInput"]`},
			{Name: "role-label", By: "css", Expr: `[role="textbox"]`},
		},
		"message_submit": {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="dmComposerSendButton"]`},
			{Name: "role-label", By: "css", Expr: `[role="button"][aria-label="Send"]`},
		},
		"message_status": {
			// The newest entry of the thread; older entries may repeat the payload.
			{Name: "stable-attribute", By: "xpath", Expr: `(//*[@data-testid="messageEntry"])[last()]`},
		},
		AffordanceDialog: {
			{Name: "role", By: "css", Expr: `[role="alertdialog"], [role="dialog"]`},
		},
		AffordanceDialogConfirm: {
			{Name: "stable-attribute", By: "css", Expr: `[data-testid="confirmationSheetConfirm"]`},
			{Name: "free-text", By: "css", Expr: `[role="alertdialog"] button, [role="dialog"] button, [role="alertdialog"] [role="button"], [role="dialog"] [role="button"]`, Text: `(?i)^(confirm|yes|ok|follow|unfollow|continue)$`},
		},
	}
}

// DefaultActions returns the built-in action profiles keyed by action type.
func DefaultActions() map[string]ActionConfig {
	return map[string]ActionConfig{
		"follow": {
			TargetURL: "https://{host}/{target}",
			Control:   "follow_control",
			Positive:  []string{`(?i)^following\b`, `(?i)^unfollow\b`, `(?i)-unfollow$`},
			CrossReference: CrossReferenceConfig{
				URL:  "https://{host}/{self}/following",
				By:   "css",
				Expr: `[data-testid="cellInnerDiv"] a[href="/{target}" i]`,
			},
		},
		"like": {
			TargetURL: "https://{host}/i/web/status/{target}",
			Control:   "like_control",
			Positive:  []string{`(?i)^unlike$`, `(?i)\bliked\b`},
			CrossReference: CrossReferenceConfig{
				URL:  "https://{host}/{self}/likes",
				By:   "css",
				Expr: `a[href*="/status/{target}"]`,
			},
		},
		"comment": {
			TargetURL:      "https://{host}/i/web/status/{target}",
			Control:        "comment_control",
			ConfirmControl: "comment_status",
			Input:          "comment_input",
			Submit:         "comment_submit",
			Positive:       []string{`(?i)your (post|reply) was sent`},
			CrossReference: CrossReferenceConfig{
				URL:  "https://{host}/{self}/with_replies",
				By:   "xpath",
				Expr: `//article[contains(normalize-space(.), "{payload}")]`,
			},
		},
		"send_message": {
			TargetURL:      "https://{host}/{target}",
			Control:        "message_control",
			ConfirmControl: "message_status",
			Input:          "message_input",
			Submit:         "message_submit",
			Positive:       []string{`^\s*{payload}\s*$`},
		},
	}
}

// applyBuiltinDefaults merges the built-in chains and profiles under user provided ones.
// A user chain replaces the whole built-in chain for that affordance; a user action
// profile overrides only the fields it sets.
func (c *Config) applyBuiltinDefaults() {
	if c.Locators == nil {
		c.Locators = make(map[string][]LocatorStrategyConfig)
	}
	for name, chain := range DefaultLocators() {
		if _, ok := c.Locators[name]; !ok {
			c.Locators[name] = chain
		}
	}

	if c.Actions == nil {
		c.Actions = make(map[string]ActionConfig)
	}
	for name, def := range DefaultActions() {
		user, ok := c.Actions[name]
		if !ok {
			c.Actions[name] = def
			continue
		}
		c.Actions[name] = mergeAction(user, def)
	}
}

func mergeAction(user, def ActionConfig) ActionConfig {
	if user.TargetURL == "" {
		user.TargetURL = def.TargetURL
	}
	if user.Control == "" {
		user.Control = def.Control
	}
	if user.ConfirmControl == "" {
		user.ConfirmControl = def.ConfirmControl
	}
	if user.Input == "" {
		user.Input = def.Input
	}
	if user.Submit == "" {
		user.Submit = def.Submit
	}
	if len(user.Positive) == 0 {
		user.Positive = def.Positive
	}
	if user.CrossReference.URL == "" {
		user.CrossReference = def.CrossReference
	}
	return user
}
