// Comfy2go-worker is a serverless job handler that drives a local ComfyUI instance.
// Each job injects an input image, a prompt and video parameters into an API-format
// image-to-video workflow, queues it, waits for the prompt to finish on the websocket
// channel and returns the produced video as an uploaded URL.
package comfy2go
