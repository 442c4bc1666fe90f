// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Id identifies a known issue page.
type Id int

const (
	EngineNotFoundId Id = iota + 1
	ManifestNotFoundId
	ManifestParseErrorId
	ImageBuildFailedId
	ChannelUnavailableId
	BundledFileOutOfRootId
	ConfigLoadFailedId
)

// MarkdownMsg is the renderable body of an issue page.
type MarkdownMsg string

// HttpLink is a documentation or external reference URL.
type HttpLink string

// Issue is a guidance page for a known failure mode: a rendered explanation
// of what went wrong and the concrete ways out of it.
type Issue struct {
	id       Id
	mdMsg    MarkdownMsg
	docLinks []HttpLink
	extLinks []HttpLink
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the issue page as styled terminal output.
func (i *Issue) Render(stylePath string) (string, error) {
	extraMd := ""
	if len(i.docLinks) > 0 || len(i.extLinks) > 0 {
		extraMd += "\n\n## See also:\n"
		for _, link := range i.docLinks {
			extraMd += "- [" + string(link) + "]\n"
		}
		for _, link := range i.extLinks {
			extraMd += "- [" + string(link) + "]\n"
		}
	}
	return render(string(i.mdMsg)+extraMd, stylePath)
}

var (
	render = glamour.Render

	engineNotFoundIssue = &Issue{
		id: EngineNotFoundId,
		mdMsg: `
# No container engine found!

kiln needs Docker or Podman to build and run images, and neither responded.

## Things you can try:
- Check that the engine daemon is running:
~~~
$ docker version
$ podman version
~~~

- Point kiln at a specific engine in your config:
~~~cue
engine: "podman"
~~~

- On Linux, make sure your user can reach the Docker socket (usually the
  ` + "`docker`" + ` group).`,
		extLinks: []HttpLink{
			"https://docs.docker.com/engine/install/",
			"https://podman.io/docs/installation",
		},
	}

	manifestNotFoundIssue = &Issue{
		id: ManifestNotFoundId,
		mdMsg: `
# No kiln.yaml found!

We searched for a manifest but couldn't find one.

## Search locations (in order of precedence):
1. The path given with ` + "`--manifest`" + `
2. The current directory

## Things you can try:
- Create a manifest in your project directory:
~~~yaml
name: my-app
entrypoint: "app:main"
language_packages:
  - numpy
~~~

- Or run kiln from the directory that contains one:
~~~
$ cd /path/to/your/project
$ kiln run
~~~`,
	}

	manifestParseErrorIssue = &Issue{
		id: ManifestParseErrorId,
		mdMsg: `
# The manifest could not be parsed!

kiln found a manifest but its contents are not valid.

## Common causes:
- YAML indentation mistakes (tabs are not allowed)
- A missing ` + "`entrypoint`" + ` field
- A ` + "`name`" + ` that is not a valid image name (lowercase letters,
  digits, and hyphens only)

## Things you can try:
- Validate the file without building anything:
~~~
$ kiln check
~~~`,
	}

	imageBuildFailedIssue = &Issue{
		id: ImageBuildFailedId,
		mdMsg: `
# The image build failed!

The container engine could not build the image for your manifest. The tail
of the build log is attached to the error above.

## Common causes:
- A system or language package name that does not exist
- A ` + "`run_commands`" + ` entry exiting non-zero
- No network access from the build environment

## Things you can try:
- Re-run with the full build log:
~~~
$ kiln build --verbose
~~~
- Build without the layer cache if a stale layer is suspect:
~~~
$ kiln build --no-cache
~~~`,
	}

	channelUnavailableIssue = &Issue{
		id: ChannelUnavailableId,
		mdMsg: `
# Could not reach the execution channel!

A container started but its runner never became reachable within the
handshake window.

## Common causes:
- The container crashed on startup (check its logs)
- A custom base image without the runner's requirements
- Very slow container startup on a loaded machine

## Things you can try:
- Inspect the container's output:
~~~
$ kiln images
$ docker logs <container>
~~~
- Raise the handshake window in your config:
~~~cue
channel: handshake_timeout_seconds: 30
~~~`,
	}

	bundledFileOutOfRootIssue = &Issue{
		id: BundledFileOutOfRootId,
		mdMsg: `
# A bundled file escapes the project root!

Every file named in ` + "`copy`" + ` must live under the project root, so
builds stay reproducible from the project directory alone.

## Things you can try:
- Move the file into the project and reference it relatively:
~~~yaml
copy:
  ./data/model.bin: model.bin
~~~

- Or run kiln from the directory that actually contains your files.`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# The configuration could not be loaded!

kiln found a config file but could not parse or validate it.

## Things you can try:
- Check that the file contains valid CUE syntax
- Compare your values against the schema:
~~~
$ kiln config show
~~~
- Remove the file to fall back to defaults.`,
	}

	issues = map[Id]*Issue{
		EngineNotFoundId:       engineNotFoundIssue,
		ManifestNotFoundId:     manifestNotFoundIssue,
		ManifestParseErrorId:   manifestParseErrorIssue,
		ImageBuildFailedId:     imageBuildFailedIssue,
		ChannelUnavailableId:   channelUnavailableIssue,
		BundledFileOutOfRootId: bundledFileOutOfRootIssue,
		ConfigLoadFailedId:     configLoadFailedIssue,
	}
)

// Values returns all known issues.
func Values() []*Issue {
	return maps.Values(issues)
}

// Get returns the issue for an id, or nil if unknown.
func Get(id Id) *Issue {
	return issues[id]
}
