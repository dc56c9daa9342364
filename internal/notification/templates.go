package notification

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

type TemplateName string

const (
	TemplatePaymentInitiated TemplateName = "payment_initiated"
	TemplatePaymentSuccess   TemplateName = "payment_success"
	TemplatePaymentFailed    TemplateName = "payment_failed"
	TemplatePaymentTimedOut  TemplateName = "payment_timed_out"
	TemplateHealthAlert      TemplateName = "health_alert"
)

const DefaultLanguage = "en"

type messageTemplate struct {
	subject *template.Template
	message *template.Template
}

// Catalog holds the parsed message templates per language.
type Catalog struct {
	byLang map[string]map[TemplateName]messageTemplate
}

// Rendered is one message ready for delivery.
type Rendered struct {
	Subject string
	Message string
}

var catalogSource = map[string]map[TemplateName][2]string{
	"en": {
		TemplatePaymentInitiated: {
			"Payment Initiated - Action Required",
			"Dear Landlord, your payment for property {{.property_id}} has been initiated. Please complete the payment of {{.amount}} ETB via CBE Birr or HelloCash using the link: {{.payment_link}}",
		},
		TemplatePaymentSuccess: {
			"Payment Successful!",
			"Dear Landlord, your payment for property {{.property_id}} was successful. Your listing is now approved.",
		},
		TemplatePaymentFailed: {
			"Payment Failed - Action Required",
			"Dear Landlord, your payment for property {{.property_id}} has failed. Please try again.",
		},
		TemplatePaymentTimedOut: {
			"Payment Timed Out - Action Required",
			"Dear Landlord, your pending payment for property {{.property_id}} has timed out and failed. Please try again.",
		},
		TemplateHealthAlert: {
			"Service Health Status",
			"Payment Processing Microservice is currently {{.status}}. Details: {{.details}}",
		},
	},
	"am": {
		TemplatePaymentInitiated: {
			"ክፍያ ተጀምሯል - እርምጃ ያስፈልጋል",
			"ውድ የቤት ባለቤት፣ ለንብረትዎ {{.property_id}} ክፍያ ተጀምሯል። እባክዎ {{.amount}} ብር በ CBE Birr ወይም HelloCash በዚህ ሊንክ ያጠናቅቁ፡ {{.payment_link}}",
		},
		TemplatePaymentSuccess: {
			"ክፍያ ተሳክቷል!",
			"ውድ የቤት ባለቤት፣ ለንብረትዎ {{.property_id}} ክፍያ በተሳካ ሁኔታ ተጠናቋል። ማስታወቂያዎ አሁን ጸድቋል።",
		},
		TemplatePaymentFailed: {
			"ክፍያ አልተሳካም - እርምጃ ያስፈልጋል",
			"ውድ የቤት ባለቤት፣ ለንብረትዎ {{.property_id}} ክፍያ አልተሳካም። እባክዎ እንደገና ይሞክሩ።",
		},
		TemplatePaymentTimedOut: {
			"ክፍያ ጊዜው አልፏል - እርምጃ ያስፈልጋል",
			"ውድ የቤት ባለቤት፣ ለንብረትዎ {{.property_id}} በመጠባበቅ ላይ የነበረው ክፍያ ጊዜው አልፏል እና አልተሳካም። እባክዎ እንደገና ይሞክሩ።",
		},
		TemplateHealthAlert: {
			"የአገልግሎት ጤና ሁኔታ",
			"የክፍያ ማቀናበሪያ ማይክሮ አገልግሎት በአሁኑ ጊዜ {{.status}} ነው። ዝርዝሮች፡ {{.details}}",
		},
	},
	"om": {
		TemplatePaymentInitiated: {
			"Kaffaltiin Jalqabameera - Tarkaanfii Barbaachisaadha",
			"Jiraataa kabajamaa, kaffaltiin keessan kan qabeenya {{.property_id}} jalqabameera. Maaloo kaffaltii {{.amount}} ETB CBE Birr ykn HelloCashn linkii kanaan xumuraa: {{.payment_link}}",
		},
		TemplatePaymentSuccess: {
			"Kaffaltiin Milkaa'eera!",
			"Jiraataa kabajamaa, kaffaltiin keessan kan qabeenya {{.property_id}} milkaa'eera. Galmeen keessan amma mirkanaa'eera.",
		},
		TemplatePaymentFailed: {
			"Kaffaltiin Milkaa'uu Dide - Tarkaanfii Barbaachisaadha",
			"Jiraataa kabajamaa, kaffaltiin keessan kan qabeenya {{.property_id}} milkaa'uu dideera. Maaloo deebisanii yaalaa.",
		},
		TemplatePaymentTimedOut: {
			"Kaffaltiin Yeroo Isaa Darbe - Tarkaanfii Barbaachisaadha",
			"Jiraataa kabajamaa, kaffaltiin keessan kan qabeenya {{.property_id}} yeroo isaa darbeera. Maaloo deebisanii yaalaa.",
		},
		TemplateHealthAlert: {
			"Haala Fayyaa Tajaajilaa",
			"Tajaajilli Xiqqaa Qindeessaa Kaffaltii yeroo ammaa {{.status}} dha. Bal'ina: {{.details}}",
		},
	},
}

// NewCatalog parses the built-in templates. It fails only on a malformed template.
func NewCatalog() (*Catalog, error) {
	c := &Catalog{byLang: make(map[string]map[TemplateName]messageTemplate, len(catalogSource))}

	for lang, templates := range catalogSource {
		parsed := make(map[TemplateName]messageTemplate, len(templates))
		for name, src := range templates {
			subject, err := parse(lang, name, "subject", src[0])
			if err != nil {
				return nil, err
			}
			message, err := parse(lang, name, "message", src[1])
			if err != nil {
				return nil, err
			}
			parsed[name] = messageTemplate{subject: subject, message: message}
		}
		c.byLang[lang] = parsed
	}

	return c, nil
}

func parse(lang string, name TemplateName, part, src string) (*template.Template, error) {
	t, err := template.New(fmt.Sprintf("%s.%s.%s", lang, name, part)).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s template %s/%s: %w", part, lang, name, err)
	}
	return t, nil
}

// Render picks the template for lang, falling back to English for unknown
// languages or templates missing from a translation.
func (c *Catalog) Render(lang string, name TemplateName, vars map[string]string) (Rendered, error) {
	lang = strings.ToLower(strings.TrimSpace(lang))

	tmpl, ok := c.byLang[lang][name]
	if !ok {
		tmpl, ok = c.byLang[DefaultLanguage][name]
	}
	if !ok {
		return Rendered{}, fmt.Errorf("unknown notification template %q", name)
	}

	if vars == nil {
		vars = map[string]string{}
	}

	var subject, message bytes.Buffer
	if err := tmpl.subject.Execute(&subject, vars); err != nil {
		return Rendered{}, fmt.Errorf("render subject %s: %w", name, err)
	}
	if err := tmpl.message.Execute(&message, vars); err != nil {
		return Rendered{}, fmt.Errorf("render message %s: %w", name, err)
	}

	return Rendered{Subject: subject.String(), Message: message.String()}, nil
}
