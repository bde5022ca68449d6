package transcribe

import "call-transcription-service/internal/models"

// SpeakerForTrack maps a media track to a speaker role. With a single audio
// track per call the engine's per-utterance diarization is unreliable, so
// attribution is a fixed property of the track, not of the utterance:
//
//	inbound  -> customer (far-end party, the provider's caller leg)
//	outbound -> agent    (local agent leg)
//	anything else -> customer, because single-track telephony streams carry
//	the far-end audio
func SpeakerForTrack(track string) models.Speaker {
	if track == "outbound" {
		return models.SpeakerAgent
	}
	return models.SpeakerCustomer
}
