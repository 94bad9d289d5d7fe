// Package phrases holds every sentence the doorbell speaks. Flows refer to
// entries by field so that a translated table can be dropped in from YAML.
package phrases

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"neobell/edge/internal/errors"
)

type MainLoop struct {
	Greeting        string `yaml:"greeting"`
	AskIntent       string `yaml:"askIntent"`
	IntentUnclear   string `yaml:"intentUnclear"`
	NotUnderstood   string `yaml:"notUnderstood"`
	InternalError   string `yaml:"internalError"`
	HardwareFailure string `yaml:"hardwareFailure"`
	Goodbye         string `yaml:"goodbye"`
}

type Visitor struct {
	Greeting           string `yaml:"greeting"`
	HelloKnown         string `yaml:"helloKnown"`
	HelloAgain         string `yaml:"helloAgain"`
	NoFace             string `yaml:"noFace"`
	RetryRecognition   string `yaml:"retryRecognition"`
	TryLater           string `yaml:"tryLater"`
	Allowed            string `yaml:"allowed"`
	Denied             string `yaml:"denied"`
	Inconsistency      string `yaml:"inconsistency"`
	AskLeaveMessage    string `yaml:"askLeaveMessage"`
	AskRegister        string `yaml:"askRegister"`
	AskName            string `yaml:"askName"`
	ConfirmName        string `yaml:"confirmName"`
	NameNotUnderstood  string `yaml:"nameNotUnderstood"`
	RegistrationStart  string `yaml:"registrationStart"`
	RegistrationShot   string `yaml:"registrationShot"`
	RegistrationFailed string `yaml:"registrationFailed"`
	RegistrationDone   string `yaml:"registrationDone"`
	CloudRegisterFail  string `yaml:"cloudRegisterFail"`
	RecordingStart     string `yaml:"recordingStart"`
	Sending            string `yaml:"sending"`
	MessageSent        string `yaml:"messageSent"`
	MessageFailed      string `yaml:"messageFailed"`
	Farewell           string `yaml:"farewell"`
	NotRegistered      string `yaml:"notRegistered"`
}

type Delivery struct {
	Start            string `yaml:"start"`
	ShowLabel        string `yaml:"showLabel"`
	ScanHint         string `yaml:"scanHint"`
	ScanFailed       string `yaml:"scanFailed"`
	AskRetryScan     string `yaml:"askRetryScan"`
	Authorized       string `yaml:"authorized"`
	DoorOpen         string `yaml:"doorOpen"`
	DoorClosed       string `yaml:"doorClosed"`
	InternalScan     string `yaml:"internalScan"`
	InternalHint     string `yaml:"internalHint"`
	AskRepresent     string `yaml:"askRepresent"`
	Success          string `yaml:"success"`
	Stored           string `yaml:"stored"`
	CancelInside     string `yaml:"cancelInside"`
	AskReopenDoor    string `yaml:"askReopenDoor"`
	RemovePackage    string `yaml:"removePackage"`
	Cancelled        string `yaml:"cancelled"`
	CloudUnavailable string `yaml:"cloudUnavailable"`
}

type YesNo struct {
	Conflict      string   `yaml:"conflict"`
	NotUnderstood string   `yaml:"notUnderstood"`
	Affirmative   []string `yaml:"affirmative"`
	Negative      []string `yaml:"negative"`
}

// Table groups all phrase sections.
type Table struct {
	MainLoop MainLoop `yaml:"mainLoop"`
	Visitor  Visitor  `yaml:"visitor"`
	Delivery Delivery `yaml:"delivery"`
	YesNo    YesNo    `yaml:"yesNo"`
}

// Default returns the built-in English table.
func Default() Table {
	return Table{
		MainLoop: MainLoop{
			Greeting:        "Hello, welcome to NeoBell.",
			AskIntent:       "Are you here to deliver a package or to visit?",
			IntentUnclear:   "Sorry, I did not understand. Please say delivery or visit.",
			NotUnderstood:   "Sorry, I did not catch that.",
			InternalError:   "Sorry, something went wrong. Please try again later.",
			HardwareFailure: "Sorry, the doorbell is having a hardware problem.",
			Goodbye:         "Goodbye.",
		},
		Visitor: Visitor{
			Greeting:           "Hello! Please look at the camera.",
			HelloKnown:         "Hello {name}.",
			HelloAgain:         "Hello again.",
			NoFace:             "Sorry, I could not see your face.",
			RetryRecognition:   "Would you like to try again?",
			TryLater:           "I could not reach the resident right now. Please try later.",
			Allowed:            "You are allowed to leave a message.",
			Denied:             "Sorry, the resident is not accepting your visit.",
			Inconsistency:      "Your registration is out of date. Let's register you again.",
			AskLeaveMessage:    "Would you like to leave a message?",
			AskRegister:        "I don't know you yet. Would you like to register?",
			AskName:            "Please say your name.",
			ConfirmName:        "Did you say {name}?",
			NameNotUnderstood:  "Sorry, I could not get your name.",
			RegistrationStart:  "I will take a few pictures. Please look at the camera and keep still.",
			RegistrationShot:   "Picture {name} taken.",
			RegistrationFailed: "Sorry, I could not register your face.",
			RegistrationDone:   "You are now registered.",
			CloudRegisterFail:  "Sorry, I could not complete your registration.",
			RecordingStart:     "Recording now. You have ten seconds.",
			Sending:            "Sending your message.",
			MessageSent:        "Message sent.",
			MessageFailed:      "Sorry, I could not send your message.",
			Farewell:           "Thank you, goodbye.",
			NotRegistered:      "Okay, I will not register you. Goodbye.",
		},
		Delivery: Delivery{
			Start:            "Hello delivery person.",
			ShowLabel:        "Please show the package label to the camera.",
			ScanHint:         "Move the label a little closer to the camera.",
			ScanFailed:       "I could not validate this package.",
			AskRetryScan:     "Would you like to try scanning again?",
			Authorized:       "Package authorized.",
			DoorOpen:         "The door is open. Please place the package inside and close the door.",
			DoorClosed:       "The door is now locked.",
			InternalScan:     "Checking the package inside.",
			InternalHint:     "Please turn the package so the label faces the camera.",
			AskRepresent:     "I could not read the label inside. Should I try again?",
			Success:          "Package verified.",
			Stored:           "The package has been stored. Thank you.",
			CancelInside:     "The package inside does not match the one you showed. The delivery is cancelled.",
			AskReopenDoor:    "Should I open the door so you can take the package back?",
			RemovePackage:    "The door is open. Please remove the package.",
			Cancelled:        "Delivery cancelled. Goodbye.",
			CloudUnavailable: "I cannot reach the service right now. Please try later.",
		},
		YesNo: YesNo{
			Conflict:      "I heard both yes and no. Please answer only yes or no.",
			NotUnderstood: "Sorry, I did not understand. Please answer yes or no.",
			Affirmative:   []string{"yes", "yeah", "yep", "sure", "correct", "right", "ok", "okay", "please", "affirmative"},
			Negative:      []string{"no", "nope", "not", "don't", "cancel", "wrong", "negative"},
		},
	}
}

// Load returns Default overlaid with the YAML at path. A missing file is not an error.
func Load(path string) (Table, error) {
	table := Default()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return table, nil
	}
	if err != nil {
		return table, errors.Mark(errors.Wrapf(err, "read phrases %s", path), errors.ErrConfig)
	}
	if err := yaml.Unmarshal(data, &table); err != nil {
		return Default(), errors.Mark(errors.Wrapf(err, "parse phrases %s", path), errors.ErrConfig)
	}
	return table, nil
}

// Format fills the {name} placeholder.
func Format(phrase, name string) string {
	return strings.ReplaceAll(phrase, "{name}", name)
}
