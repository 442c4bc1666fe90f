// SPDX-License-Identifier: MPL-2.0

package image

import (
	"fmt"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/kilnlabs/kiln/internal/buildspec"
	"github.com/kilnlabs/kiln/internal/container"
)

const (
	// DefaultBaseImage is the curated base used when a spec names none.
	// Its pre-installed language packages are filtered out of the install
	// step rather than reinstalled.
	DefaultBaseImage = "ghcr.io/kilnlabs/base:python3.12"

	// DefaultChannelPort is the channel runner's listen port inside dev
	// containers.
	DefaultChannelPort = 50051

	// ManagedLabel marks every image and container kiln creates, so the
	// retention sweep only ever touches kiln's own artifacts.
	ManagedLabel = "kiln.managed"
	// FingerprintLabel records the cache key on the image.
	FingerprintLabel = "kiln.fingerprint"

	// runnerDest is where the channel runner lands inside the image.
	runnerDest = "channel_runner"
	// payloadDest is where deploy plans bake the execution payload.
	payloadDest = "payload.json"
)

// basePreinstalled is the default base image's pre-installed language
// package set; installing these again would only bloat layers.
var basePreinstalled = map[string]bool{
	"cryptography": true,
	"fastapi":      true,
	"httpx":        true,
	"pydantic":     true,
	"pyjwt":        true,
	"uvicorn":      true,
}

// runnerPackages are the channel runner's own requirements, appended when
// the plan needs the runner installed on top of the spec's packages.
var runnerPackages = []string{"websockets"}

type (
	// PlanKind selects the plan's second stage.
	PlanKind string

	// Plan is a fully rendered build plan: the Dockerfile text plus
	// everything the build context must contain. Rendering is pure; the
	// builder materializes the context and invokes the engine.
	Plan struct {
		Kind       PlanKind
		Tag        container.ImageTag
		Dockerfile string
		Labels     map[string]string
		// CopySources maps bundled destination paths (relative to the
		// context's context_files dir) to their host source paths.
		CopySources map[string]string
		// Payload is baked into deploy plans as payload.json.
		Payload []byte
		// ChannelPort is exposed by dev plans.
		ChannelPort int
		// ServicePort is exposed by deploy plans (0 for batch work).
		ServicePort int
	}
)

const (
	// PlanDev builds a warm-channel image: the runner serves calls and
	// payloads travel over the channel at call time.
	PlanDev PlanKind = "dev"
	// PlanDeploy additionally bakes the payload; the container executes
	// it directly with no external channel.
	PlanDeploy PlanKind = "deploy"
)

// RenderDevPlan renders the dev-image plan for a spec.
func RenderDevPlan(spec *buildspec.BuildSpec, fp buildspec.Fingerprint, channelPort int) *Plan {
	if channelPort == 0 {
		channelPort = DefaultChannelPort
	}
	p := &Plan{
		Kind:        PlanDev,
		Tag:         DevTag(spec.Name, fp),
		Labels:      managedLabels(fp),
		CopySources: copySources(spec),
		ChannelPort: channelPort,
	}
	p.Dockerfile = renderDockerfile(spec, p)
	return p
}

// RenderDeployPlan renders the standalone-image plan: the payload is baked
// into the image and executed by the runner at container start.
func RenderDeployPlan(spec *buildspec.BuildSpec, fp buildspec.Fingerprint, payload []byte, servicePort int) *Plan {
	p := &Plan{
		Kind:        PlanDeploy,
		Tag:         DeployTag(spec.Name, fp),
		Labels:      managedLabels(fp),
		CopySources: copySources(spec),
		Payload:     payload,
		ServicePort: servicePort,
	}
	p.Dockerfile = renderDockerfile(spec, p)
	return p
}

// DevTag is the image tag for a dev build of the given fingerprint.
func DevTag(name string, fp buildspec.Fingerprint) container.ImageTag {
	return container.ImageTag(fmt.Sprintf("kiln/%s:%s", name, fp.Short()))
}

// DeployTag is the image tag for a standalone build. The deploy- prefix is
// load-bearing: the retention sweep treats such images as pinned.
func DeployTag(name string, fp buildspec.Fingerprint) container.ImageTag {
	return container.ImageTag(fmt.Sprintf("kiln/%s:deploy-%s", name, fp.Short()))
}

// IsDeployTag reports whether a tag names a standalone (pinned) image.
func IsDeployTag(tag container.ImageTag) bool {
	return strings.Contains(string(tag), ":deploy-")
}

func managedLabels(fp buildspec.Fingerprint) map[string]string {
	return map[string]string{
		ManagedLabel:     "true",
		FingerprintLabel: string(fp),
	}
}

func copySources(spec *buildspec.BuildSpec) map[string]string {
	out := make(map[string]string, len(spec.Copy))
	for src, dst := range spec.Copy {
		out[dst] = src
	}
	return out
}

// renderDockerfile produces the two-stage Dockerfile: the dependency stage
// shared by both kinds, then the kind-specific runner/payload stage.
func renderDockerfile(spec *buildspec.BuildSpec, p *Plan) string {
	var b strings.Builder

	base := spec.BaseImage
	if base == "" {
		base = DefaultBaseImage
	}
	fmt.Fprintf(&b, "FROM %s\n", base)
	if spec.BaseImage != "" && spec.BaseImage != DefaultBaseImage {
		b.WriteString("ENV PIP_ROOT_USER_ACTION=ignore PYTHONUNBUFFERED=1\n")
		b.WriteString("WORKDIR /app\n")
	}

	if len(spec.SystemPackages) > 0 {
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --no-install-recommends %s\n",
			quoteJoin(sortedUnique(spec.SystemPackages)))
	}

	if pkgs := languagePackages(spec, p.Kind); len(pkgs) > 0 {
		fmt.Fprintf(&b, "RUN uv pip install --system --no-cache %s\n", quoteJoin(pkgs))
	}

	for _, cmd := range sortedUnique(spec.RunCommands) {
		fmt.Fprintf(&b, "RUN %s\n", cmd)
	}

	dests := make([]string, 0, len(spec.Copy))
	for _, dst := range spec.Copy {
		dests = append(dests, dst)
	}
	sort.Strings(dests)
	for _, dst := range dests {
		fmt.Fprintf(&b, "COPY context_files/%s /app/%s\n", dst, dst)
	}

	fmt.Fprintf(&b, "COPY %s/ /app/%s/\n", runnerDest, runnerDest)

	switch p.Kind {
	case PlanDeploy:
		fmt.Fprintf(&b, "COPY %s /app/%s\n", payloadDest, payloadDest)
		if p.ServicePort > 0 {
			fmt.Fprintf(&b, "EXPOSE %d\n", p.ServicePort)
		}
		fmt.Fprintf(&b, "CMD [\"python\", \"-m\", \"%s\", \"--bake\", \"/app/%s\"]\n", runnerDest, payloadDest)
	default:
		fmt.Fprintf(&b, "EXPOSE %d\n", p.ChannelPort)
		fmt.Fprintf(&b, "CMD [\"python\", \"-m\", \"%s\", \"--port\", \"%d\"]\n", runnerDest, p.ChannelPort)
	}

	return b.String()
}

// languagePackages resolves the install list: on the curated base the
// pre-installed set is filtered out, on custom bases the runner's own
// requirements are appended since nothing can be assumed present.
func languagePackages(spec *buildspec.BuildSpec, kind PlanKind) []string {
	set := make(map[string]bool, len(spec.LanguagePackages))
	onDefaultBase := spec.BaseImage == "" || spec.BaseImage == DefaultBaseImage

	for _, pkg := range spec.LanguagePackages {
		if onDefaultBase && basePreinstalled[pkg] {
			continue
		}
		set[pkg] = true
	}
	if !onDefaultBase || kind == PlanDev {
		// Runner requirements ship in the curated base already; dev
		// plans pull them anyway so channel support never regresses
		// when the base set drifts.
		for _, pkg := range runnerPackages {
			set[pkg] = true
		}
	}

	out := make([]string, 0, len(set))
	for pkg := range set {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// quoteJoin shell-quotes each word for a Dockerfile RUN line.
func quoteJoin(words []string) string {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		q, err := syntax.Quote(w, syntax.LangBash)
		if err != nil {
			// Unquotable bytes (control chars) cannot be valid
			// package names anyway; pass through for the engine
			// to reject.
			q = w
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " ")
}

func sortedUnique(in []string) []string {
	set := make(map[string]bool, len(in))
	for _, s := range in {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
