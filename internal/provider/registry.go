/**
 * @description
 * Provider adapters build the request body the external renewal API expects
 * for each supported IPTV panel. The set of providers is closed: Adapter has
 * an unexported method, so only this package can add implementations, and
 * every name in Names must have an entry in the registry.
 *
 * Adapters are pure. They never perform I/O.
 */
package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/revendapro/billing-engine/internal/domain"
)

// Provider tags as stored in panel_credentials.provider.
const (
	Sigma       = "sigma"
	CloudNation = "cloudnation"
	KOffice     = "koffice"
	Uniplay     = "uniplay"
	Club        = "club"
	Rush        = "rush"
	PainelFoda  = "painelfoda"
)

// Names lists every supported provider tag.
var Names = []string{Sigma, CloudNation, KOffice, Uniplay, Club, Rush, PainelFoda}

var (
	ErrUnknownProvider     = errors.New("unknown panel provider")
	ErrMissingDomain       = errors.New("panel credential has no domain")
	ErrMissingSubscriberID = errors.New("client has no panel username")
)

const defaultRushType = "IPTV"

// Credentials is the panel login sent to the renewal API.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Payload is the body of POST {api_url}/renew. Provider-specific fields are
// omitted when empty.
type Payload struct {
	Provider    string      `json:"provider"`
	Credentials Credentials `json:"credentials"`
	ClientName  string      `json:"client_name"`
	Months      int         `json:"months"`
	Telas       int         `json:"telas"`
	Suffix      string      `json:"suffix,omitempty"`
	ClientID    string      `json:"client_id,omitempty"`

	SigmaDomain         string `json:"sigma_domain,omitempty"`
	SigmaPlanCode       string `json:"sigma_plan_code,omitempty"`
	KOfficeDomain       string `json:"koffice_domain,omitempty"`
	PainelFodaDomain    string `json:"painelfoda_domain,omitempty"`
	PainelFodaPackageID string `json:"painelfoda_package_id,omitempty"`
	RushType            string `json:"rush_type,omitempty"`
}

// Adapter contributes the provider-specific part of a Payload.
type Adapter interface {
	// Name is the provider tag.
	Name() string
	// PanelURL is the panel the renewal lands on: a fixed host for hosted
	// panels, the credential's domain otherwise.
	PanelURL(cred domain.PanelCredential) string
	apply(p *Payload, cred domain.PanelCredential, client domain.Client, plan domain.Plan) error
}

var registry = map[string]Adapter{
	Sigma:       sigmaAdapter{},
	CloudNation: fixedAdapter{name: CloudNation, url: "https://painel.cloudnation.top"},
	KOffice:     kofficeAdapter{},
	Uniplay:     fixedAdapter{name: Uniplay, url: "https://gesapioffice.com"},
	Club:        clubAdapter{},
	Rush:        rushAdapter{},
	PainelFoda:  painelFodaAdapter{},
}

// Lookup returns the adapter for a provider tag.
func Lookup(name string) (Adapter, error) {
	a, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// Build assembles the renewal payload for client on cred. It returns an
// error instead of a partially filled payload.
func Build(cred domain.PanelCredential, client domain.Client, plan domain.Plan) (Payload, error) {
	adapter, err := Lookup(cred.Provider)
	if err != nil {
		return Payload{}, err
	}

	p := Payload{
		Provider:    adapter.Name(),
		Credentials: Credentials{Username: cred.Username, Password: cred.Password},
		ClientName:  client.Name,
		Months:      plan.Months(),
		Telas:       plan.Screens(),
		Suffix:      domain.StringValue(client.Suffix),
		ClientID:    domain.StringValue(client.Username),
	}
	if err := adapter.apply(&p, cred, client, plan); err != nil {
		return Payload{}, fmt.Errorf("%s: %w", adapter.Name(), err)
	}
	return p, nil
}

func credentialDomain(cred domain.PanelCredential) (string, error) {
	d := strings.TrimSpace(domain.StringValue(cred.Domain))
	if d == "" {
		return "", ErrMissingDomain
	}
	return d, nil
}

func requireUsername(client domain.Client) (string, error) {
	u := strings.TrimSpace(domain.StringValue(client.Username))
	if u == "" {
		return "", ErrMissingSubscriberID
	}
	return u, nil
}

type sigmaAdapter struct{}

func (sigmaAdapter) Name() string { return Sigma }

func (sigmaAdapter) PanelURL(cred domain.PanelCredential) string {
	return domain.StringValue(cred.Domain)
}

func (sigmaAdapter) apply(p *Payload, cred domain.PanelCredential, _ domain.Client, plan domain.Plan) error {
	d, err := credentialDomain(cred)
	if err != nil {
		return err
	}
	p.SigmaDomain = d
	p.SigmaPlanCode = domain.StringValue(plan.PackageID)
	return nil
}

type kofficeAdapter struct{}

func (kofficeAdapter) Name() string { return KOffice }

func (kofficeAdapter) PanelURL(cred domain.PanelCredential) string {
	return domain.StringValue(cred.Domain)
}

func (kofficeAdapter) apply(p *Payload, cred domain.PanelCredential, client domain.Client, _ domain.Plan) error {
	d, err := credentialDomain(cred)
	if err != nil {
		return err
	}
	u, err := requireUsername(client)
	if err != nil {
		return err
	}
	p.KOfficeDomain = d
	p.ClientID = u
	return nil
}

type painelFodaAdapter struct{}

func (painelFodaAdapter) Name() string { return PainelFoda }

func (painelFodaAdapter) PanelURL(cred domain.PanelCredential) string {
	return domain.StringValue(cred.Domain)
}

func (painelFodaAdapter) apply(p *Payload, cred domain.PanelCredential, _ domain.Client, plan domain.Plan) error {
	d, err := credentialDomain(cred)
	if err != nil {
		return err
	}
	p.PainelFodaDomain = d
	p.PainelFodaPackageID = domain.StringValue(plan.PackageID)
	return nil
}

type rushAdapter struct{}

func (rushAdapter) Name() string { return Rush }

func (rushAdapter) PanelURL(domain.PanelCredential) string { return "https://paineloffice.click" }

func (rushAdapter) apply(p *Payload, _ domain.PanelCredential, _ domain.Client, plan domain.Plan) error {
	p.RushType = strings.TrimSpace(domain.StringValue(plan.RushType))
	if p.RushType == "" {
		p.RushType = defaultRushType
	}
	return nil
}

type clubAdapter struct{}

func (clubAdapter) Name() string { return Club }

func (clubAdapter) PanelURL(domain.PanelCredential) string { return "https://dashboard.bz" }

func (clubAdapter) apply(p *Payload, _ domain.PanelCredential, client domain.Client, _ domain.Plan) error {
	u, err := requireUsername(client)
	if err != nil {
		return err
	}
	p.ClientID = u
	return nil
}

// fixedAdapter covers hosted panels whose URL is known to the renewal API;
// they add nothing to the base payload.
type fixedAdapter struct {
	name string
	url  string
}

func (a fixedAdapter) Name() string { return a.name }

func (a fixedAdapter) PanelURL(domain.PanelCredential) string { return a.url }

func (fixedAdapter) apply(*Payload, domain.PanelCredential, domain.Client, domain.Plan) error {
	return nil
}
