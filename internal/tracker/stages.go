package tracker

// Event kinds emitted by the video generation backend.
const (
	KindGenerationStart   = "video_generation_start"
	KindManimGenerated    = "video_generation_manim_generated"
	KindRenderingComplete = "video_generation_rendering_complete"
	KindSavingComplete    = "saving_complete"
	KindComplete          = "complete"
	KindError             = "error"
)

// VideoStages is the default five-stage video generation pipeline. A
// backend event announcing that one stage finished is the trigger for the
// stage after it.
func VideoStages() []StageDef {
	return []StageDef{
		{ID: "video_generation_start", Label: "Starting video generation...", Triggers: []string{KindGenerationStart}},
		{ID: "video_generation_manim_generated", Label: "Manim code generated."},
		{
			ID:       "video_generation_rendering_complete",
			Label:    "Video generation rendering complete.",
			Triggers: []string{KindManimGenerated},
		},
		{ID: "saving_complete", Label: "Video saved successfully.", Triggers: []string{KindRenderingComplete}},
		{ID: "url_created", Label: "Ready to show!", Triggers: []string{KindSavingComplete}},
	}
}

// NewVideoPipeline builds the default pipeline with the standard sentinels.
func NewVideoPipeline() (*Pipeline, error) {
	return NewPipeline(VideoStages(), PipelineOptions{CompleteKind: KindComplete, ErrorKind: KindError})
}
